package sim

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/boot"
	"github.com/pyre-project/pyre/kernel/cpu"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/mem"
	"golang.org/x/sys/unix"
)

// Machine is a simulated computer: physical RAM plus a set of cores.
type Machine struct {
	cfg   Config
	ram   []byte
	cores []*Core
}

// NewMachine allocates the physical memory of the machine and creates its
// cores.
func NewMachine(cfg Config) (*Machine, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	levels := cfg.PagingLevels
	if levels == 0 {
		levels = cpu.HostFeatures().PagingLevels
	}

	ram, err := unix.Mmap(-1, 0, int(cfg.MemorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of physical memory", cfg.MemorySize)
	}

	m := &Machine{cfg: cfg, ram: ram}
	for i := 0; i < cfg.Cores; i++ {
		m.cores = append(m.cores, newCore(i, levels, cfg.NoExecute))
	}

	kfmt.Logger("sim").Debugf("machine with %d bytes of RAM at 0x%x, %d cores, %d paging levels",
		cfg.MemorySize, m.physBase(), cfg.Cores, levels)
	return m, nil
}

// Close releases the physical memory of the machine. The machine must not be
// used afterwards.
func (m *Machine) Close() error {
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return errors.Wrap(err, "failed to release physical memory")
}

// Reset zeroes physical memory and returns every core to its power-on state.
func (m *Machine) Reset() error {
	if err := unix.Madvise(m.ram, unix.MADV_DONTNEED); err != nil {
		return errors.Wrap(err, "failed to discard physical memory")
	}
	for _, c := range m.cores {
		c.reset()
	}
	return nil
}

// Config returns the machine description.
func (m *Machine) Config() Config {
	return m.cfg
}

// Core returns core i.
func (m *Machine) Core(i int) *Core {
	return m.cores[i]
}

// Cores returns the number of cores.
func (m *Machine) Cores() int {
	return len(m.cores)
}

// Memory exposes physical memory.
func (m *Machine) Memory() []byte {
	return m.ram
}

func (m *Machine) physBase() uintptr {
	return uintptr(unsafe.Pointer(&m.ram[0]))
}

// DirectMapBase returns the virtual address at which the kernel sees all of
// physical memory.
func (m *Machine) DirectMapBase() uintptr {
	return m.physBase()
}

// BootInfo returns what a boot loader would report for this machine. The
// boot stack is always described as reserved memory.
func (m *Machine) BootInfo() *boot.Info {
	info := &boot.Info{
		DirectMapBase: m.DirectMapBase(),
		Stack: boot.Stack{
			Base:  uintptr(m.cfg.Stack.Start),
			Pages: m.cfg.Stack.Pages,
		},
	}

	for _, r := range m.cfg.Regions {
		// validated by NewMachine
		typ, _ := parseRegionType(r.Type)
		info.MemoryMap = append(info.MemoryMap, boot.MemoryMapEntry{
			PhysAddress: r.Start,
			Length:      r.Length,
			Type:        typ,
		})
	}

	if m.cfg.Stack.Pages != 0 {
		info.MemoryMap = append(info.MemoryMap, boot.MemoryMapEntry{
			PhysAddress: m.cfg.Stack.Start,
			Length:      m.cfg.Stack.Pages * uint64(mem.PageSize),
			Type:        boot.MemReserved,
		})
	}

	return info
}

// LoadModule copies image into physical memory at physAddr and records it as
// a boot module. The range must be described as reserved memory so that the
// ledger never hands it out.
func (m *Machine) LoadModule(info *boot.Info, name string, physAddr uint64, image []byte) error {
	end := physAddr + uint64(len(image))
	if end > uint64(len(m.ram)) {
		return errors.Errorf("module %q [0x%x, 0x%x) is outside of physical memory", name, physAddr, end)
	}

	copy(m.ram[physAddr:end], image)
	info.Modules = append(info.Modules, boot.Module{Name: name, PhysAddress: physAddr, Length: uint64(len(image))})
	return nil
}
