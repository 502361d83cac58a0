//go:build !amd64

package cpu

// HostFeatures reports the baseline 4-level paging feature set on
// architectures without CPUID.
func HostFeatures() Features {
	return Features{PagingLevels: 4}
}
