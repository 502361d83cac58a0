package cpu

var cpuidFn = ID

// ID returns information about the CPU and its features. It is implemented as
// a CPUID instruction with EAX=leaf and ECX=subleaf and returns the values in
// EAX, EBX, ECX and EDX.
func ID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// HostFeatures reports the paging features of the core running this code.
func HostFeatures() Features {
	return featuresFromID(cpuidFn)
}
