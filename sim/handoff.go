package sim

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"unsafe"

	"github.com/pyre-project/pyre/kernel/boot"
	"github.com/pyre-project/pyre/kernel/boot/multiboot"
	"github.com/pyre-project/pyre/kernel/kfmt"
)

// multiboot2 tag types written by EncodeMultiboot.
const (
	mbTagEnd       = 0
	mbTagCmdLine   = 1
	mbTagLoader    = 2
	mbTagModule    = 3
	mbTagMemoryMap = 6

	mbMmapEntrySize = 24
)

// LoaderName is reported in the boot loader name tag of encoded blocks.
const LoaderName = "pyrevm"

// EncodeMultiboot serializes the memory map, modules and command line of info
// into a multiboot2 information block. Region types that multiboot cannot
// express (MMIO) are written as reserved.
func EncodeMultiboot(info *boot.Info) []byte {
	var body bytes.Buffer

	writeTag := func(typ uint32, payload []byte) {
		hdr := [2]uint32{typ, uint32(8 + len(payload))}
		binary.Write(&body, binary.LittleEndian, hdr)
		body.Write(payload)
		for body.Len()%8 != 0 {
			body.WriteByte(0)
		}
	}

	if info.CmdLine != "" {
		writeTag(mbTagCmdLine, append([]byte(info.CmdLine), 0))
	}
	writeTag(mbTagLoader, append([]byte(LoaderName), 0))

	for _, mod := range info.Modules {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, [2]uint32{uint32(mod.PhysAddress), uint32(mod.PhysAddress + mod.Length)})
		payload.WriteString(mod.Name)
		payload.WriteByte(0)
		writeTag(mbTagModule, payload.Bytes())
	}

	var mmap bytes.Buffer
	binary.Write(&mmap, binary.LittleEndian, [2]uint32{mbMmapEntrySize, 0})
	for _, entry := range info.MemoryMap {
		typ := entry.Type
		if typ > boot.MemNvs {
			typ = boot.MemReserved
		}
		binary.Write(&mmap, binary.LittleEndian, struct {
			PhysAddress, Length uint64
			Type, Reserved      uint32
		}{entry.PhysAddress, entry.Length, uint32(typ), 0})
	}
	writeTag(mbTagMemoryMap, mmap.Bytes())
	writeTag(mbTagEnd, nil)

	block := make([]byte, 8, 8+body.Len())
	binary.LittleEndian.PutUint32(block, uint32(8+body.Len()))
	return append(block, body.Bytes()...)
}

// Handoff passes info through a multiboot2 information block the way a boot
// loader would and returns what the kernel decodes from it. The direct-map
// base and the boot stack travel out of band.
func Handoff(info *boot.Info) *boot.Info {
	block := EncodeMultiboot(info)
	mbInfo := multiboot.NewInfo(uintptr(unsafe.Pointer(&block[0])))

	decoded := mbInfo.BootInfo(info.DirectMapBase, info.Stack)
	kfmt.Logger("sim").Debugf("boot loader %q handed over %d memory regions and %d modules",
		mbInfo.BootLoaderName(), len(decoded.MemoryMap), len(decoded.Modules))

	runtime.KeepAlive(block)
	return decoded
}
