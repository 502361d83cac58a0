// Package kmain brings up the memory core. Bring-up runs in two phases so
// that nothing depends on the heap before it exists:
//
//  1. the frame ledger is built from the boot memory map and the kernel
//     address space (identity-mapped reserved frames plus the direct-map
//     window) is created and activated;
//  2. the block heap is created on top of the kernel mapper and every
//     reserved frame inside the heap window is marked as in use.
//
// Afterwards the boot stack is moved out of the identity mapping and the
// drivers shipped as a boot module are loaded.
package kmain

import (
	"bytes"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel"
	"github.com/pyre-project/pyre/kernel/boot"
	"github.com/pyre-project/pyre/kernel/cpu"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/loader"
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/malloc"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
	"github.com/pyre-project/pyre/kernel/mem/vmm"
)

var (
	errNoDriverModule  = &kernel.Error{Module: "kmain", Message: "boot module with drivers not found"}
	errUnalignedStack  = &kernel.Error{Module: "kmain", Message: "stack relocation target is not page aligned"}
	errMissingBootInfo = &kernel.Error{Module: "kmain", Message: "boot info and core are required"}
)

// Config controls bring-up.
type Config struct {
	Arch cpu.Arch

	HeapBase    uintptr
	MapBase     uintptr
	MaxMapPages uint64

	// StackBase is the virtual address the boot stack is moved to. Zero
	// leaves the boot stack identity-mapped.
	StackBase uintptr

	// DriverModule names the boot module that holds the driver archive.
	// Empty skips driver loading.
	DriverModule string
}

// Kernel holds the memory-core singletons created by bring-up.
type Kernel struct {
	Info    *boot.Info
	Ledger  *pmm.Ledger
	Mapper  *vmm.Mapper
	Heap    *malloc.BlockAllocator
	Drivers []*loader.Driver
}

// Kmain runs Init and halts the kernel if bring-up fails.
func Kmain(info *boot.Info, cfg Config) *Kernel {
	k, err := Init(info, cfg)
	if err != nil {
		kernel.Panic(err)
	}
	return k
}

// Init brings up the memory core described by info.
func Init(info *boot.Info, cfg Config) (*Kernel, error) {
	if info == nil || cfg.Arch == nil {
		return nil, errMissingBootInfo
	}

	k := &Kernel{Info: info}
	log := kfmt.Logger("kmain")

	if err := k.initMemory(cfg.Arch); err != nil {
		return nil, err
	}
	if err := k.initHeap(cfg); err != nil {
		return nil, err
	}

	if cfg.StackBase != 0 {
		if err := RelocateStack(k.Mapper, info.Stack, cfg.StackBase); err != nil {
			return nil, err
		}
		log.Debugf("relocated %d stack pages from 0x%x to 0x%x", info.Stack.Pages, info.Stack.Base, cfg.StackBase)
	}

	if cfg.DriverModule != "" {
		drivers, err := k.loadDrivers(cfg.DriverModule)
		if err != nil {
			return nil, err
		}
		k.Drivers = drivers
	}

	log.Info("memory core initialized")
	return k, nil
}

// initMemory is the first bring-up phase.
func (k *Kernel) initMemory(arch cpu.Arch) *kernel.Error {
	log := kfmt.Logger("kmain")

	k.Ledger = pmm.NewLedger(k.Info.MemoryMap)
	stats := k.Ledger.Stats()
	log.Infof("frame ledger: %d frames (free: %d, reserved: %d, mmio: %d)",
		k.Ledger.Len(), stats.Free, stats.Reserved, stats.MMIO)

	var err *kernel.Error
	if k.Mapper, err = vmm.NewKernel(vmm.Config{Arch: arch, Ledger: k.Ledger, DirectMapBase: k.Info.DirectMapBase}); err != nil {
		return err
	}

	k.Mapper.Activate()
	log.Debugf("kernel address space active (root frame %d)", k.Mapper.RootFrame())
	return nil
}

// initHeap is the second bring-up phase. Reserved frames were mapped by
// initMemory, so the heap only records them.
func (k *Kernel) initHeap(cfg Config) *kernel.Error {
	var err *kernel.Error
	k.Heap, err = malloc.New(malloc.Config{
		Arch:        cfg.Arch,
		Mapper:      k.Mapper,
		HeapBase:    cfg.HeapBase,
		MapBase:     cfg.MapBase,
		MaxMapPages: cfg.MaxMapPages,
	})
	if err != nil {
		return err
	}

	var reserved []pmm.Frame
	k.Ledger.VisitFrames(pmm.FrameReserved, func(f pmm.Frame) bool {
		reserved = append(reserved, f)
		return true
	})

	var marked int
	for _, f := range reserved {
		switch err = k.Heap.IdentityMap(f, false); err {
		case nil:
			marked++
		case malloc.ErrOutsideHeapWindow:
		default:
			return err
		}
	}

	kfmt.Logger("kmain").Debugf("heap: %d of %d reserved frames inside the heap window", marked, len(reserved))
	return nil
}

// RelocateStack moves the identity-mapped boot stack to base by moving its
// page table entries. The stack contents stay in place; the caller adjusts
// its stack pointer by base - stack.Base.
func RelocateStack(m *vmm.Mapper, stack boot.Stack, base uintptr) *kernel.Error {
	if mem.AlignUp(base, uintptr(mem.PageSize)) != base {
		return errUnalignedStack
	}

	from, to := vmm.PageFromAddress(stack.Base), vmm.PageFromAddress(base)
	for i := vmm.Page(0); i < vmm.Page(stack.Pages); i++ {
		if err := m.CopyByMap(from+i, to+i, vmm.FlagsRW); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) loadDrivers(name string) ([]*loader.Driver, error) {
	for _, mod := range k.Info.Modules {
		if mod.Name != name {
			continue
		}

		// Modules are physically contiguous, so the direct map exposes
		// them linearly.
		start := k.Mapper.DirectMapAddress(pmm.FrameFromAddress(uintptr(mod.PhysAddress))) + vmm.PageOffset(uintptr(mod.PhysAddress))
		data := unsafe.Slice((*byte)(unsafe.Pointer(start)), mod.Length)

		drivers, err := loader.LoadDriverArchive(k.Mapper, bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load drivers from module %q", name)
		}
		return drivers, nil
	}

	return nil, errNoDriverModule
}
