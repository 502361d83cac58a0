package cpu

// Features describes the paging capabilities of a core.
type Features struct {
	// PagingLevels is 5 when 57-bit linear addresses are available and 4
	// otherwise.
	PagingLevels uint8

	// NoExecute reports support for the no-execute page attribute.
	NoExecute bool
}

const (
	cpuidLeafExtendedFeatures = 0x7
	cpuidLeafExtendedMax      = 0x80000000
	cpuidLeafExtendedInfo     = 0x80000001

	la57Bit = 1 << 16 // leaf 7, ECX
	nxBit   = 1 << 20 // leaf 0x80000001, EDX
)

// featuresFromID decodes paging features using the supplied CPUID
// implementation.
func featuresFromID(id func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)) Features {
	f := Features{PagingLevels: 4}

	if maxLeaf, _, _, _ := id(0, 0); maxLeaf >= cpuidLeafExtendedFeatures {
		if _, _, ecx, _ := id(cpuidLeafExtendedFeatures, 0); ecx&la57Bit != 0 {
			f.PagingLevels = 5
		}
	}

	if maxExt, _, _, _ := id(cpuidLeafExtendedMax, 0); maxExt >= cpuidLeafExtendedInfo {
		if _, _, _, edx := id(cpuidLeafExtendedInfo, 0); edx&nxBit != 0 {
			f.NoExecute = true
		}
	}

	return f
}
