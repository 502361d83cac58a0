// Package multiboot decodes the multiboot2 information block handed over by
// the boot loader into a boot.Info.
package multiboot

import (
	"unsafe"

	"github.com/pyre-project/pyre/kernel/boot"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Multiboot2 requires each tag to start at an 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// mmapEntry is the raw layout of a memory map entry.
type mmapEntry struct {
	physAddress uint64
	length      uint64
	entryType   uint32
	reserved    uint32
}

// moduleHeader is the raw layout of a module tag, minus its name.
type moduleHeader struct {
	start uint32
	end   uint32
}

// Any value >= memUnknown will be mapped to boot.MemReserved.
const memUnknown = 5

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *boot.MemoryMapEntry) bool

// Info wraps a multiboot2 information block.
type Info struct {
	ptr uintptr
}

// NewInfo returns an Info reading the block at ptr.
func NewInfo(ptr uintptr) *Info {
	return &Info{ptr: ptr}
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := i.findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry boot.MemoryMapEntry
	for curPtr < endPtr {
		raw := (*mmapEntry)(unsafe.Pointer(curPtr))
		entry = boot.MemoryMapEntry{
			PhysAddress: raw.physAddress,
			Length:      raw.length,
			Type:        boot.MemoryType(raw.entryType),
		}

		// Mark unknown entry types as reserved
		if raw.entryType == 0 || raw.entryType >= memUnknown {
			entry.Type = boot.MemReserved
		}

		if !visitor(&entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitModules invokes visitor for each module tag until it returns false.
func (i *Info) VisitModules(visitor func(boot.Module) bool) {
	curPtr := i.ptr + 8
	for hdr := (*tagHeader)(unsafe.Pointer(curPtr)); hdr.tagType != tagMbSectionEnd; hdr = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if hdr.tagType == tagModules {
			mod := (*moduleHeader)(unsafe.Pointer(curPtr + 8))
			if !visitor(boot.Module{
				Name:        cString(curPtr+16, hdr.size-16),
				PhysAddress: uint64(mod.start),
				Length:      uint64(mod.end - mod.start),
			}) {
				return
			}
		}

		curPtr += uintptr(int32(hdr.size+7) & ^7)
	}
}

// CmdLine returns the kernel command line or an empty string.
func (i *Info) CmdLine() string {
	ptr, size := i.findTagByType(tagBootCmdLine)
	return cString(ptr, size)
}

// BootLoaderName returns the name reported by the boot loader.
func (i *Info) BootLoaderName() string {
	ptr, size := i.findTagByType(tagBootLoaderName)
	return cString(ptr, size)
}

// BootInfo collects the memory map, modules and command line into a
// boot.Info. The direct-map base and boot stack are not described by
// multiboot and are supplied by the caller.
func (i *Info) BootInfo(directMapBase uintptr, stack boot.Stack) *boot.Info {
	info := &boot.Info{
		DirectMapBase: directMapBase,
		Stack:         stack,
		CmdLine:       i.CmdLine(),
	}

	i.VisitMemRegions(func(entry *boot.MemoryMapEntry) bool {
		info.MemoryMap = append(info.MemoryMap, *entry)
		return true
	})

	i.VisitModules(func(mod boot.Module) bool {
		info.Modules = append(info.Modules, mod)
		return true
	})

	return info
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func (i *Info) findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := i.ptr + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}

// cString reads a NUL-terminated string of at most size bytes.
func cString(ptr uintptr, size uint32) string {
	if size == 0 {
		return ""
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(size))
	for n, ch := range raw {
		if ch == 0 {
			return string(raw[:n])
		}
	}
	return string(raw)
}
