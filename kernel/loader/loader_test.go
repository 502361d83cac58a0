package loader

import (
	"archive/tar"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
	"github.com/pyre-project/pyre/kernel/mem/vmm"
	"github.com/pyre-project/pyre/sim"
)

type testSegment struct {
	typ   elf.ProgType
	flags elf.ProgFlag
	vaddr uint64
	memsz uint64
	data  []byte
}

func buildELF(t *testing.T, entry uint64, segs []testSegment) []byte {
	t.Helper()

	var (
		buf bytes.Buffer
		off = uint64(64 + 56*len(segs))
	)

	hdr := elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(segs)),
	}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}

	for _, seg := range segs {
		prog := elf.Prog64{
			Type:   uint32(seg.typ),
			Flags:  uint32(seg.flags),
			Off:    off,
			Vaddr:  seg.vaddr,
			Paddr:  seg.vaddr,
			Filesz: uint64(len(seg.data)),
			Memsz:  seg.memsz,
			Align:  0x1000,
		}
		if err := binary.Write(&buf, binary.LittleEndian, &prog); err != nil {
			t.Fatal(err)
		}
		off += uint64(len(seg.data))
	}

	for _, seg := range segs {
		buf.Write(seg.data)
	}

	return buf.Bytes()
}

type testEnv struct {
	machine *sim.Machine
	ledger  *pmm.Ledger
	mapper  *vmm.Mapper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := sim.DefaultConfig()
	cfg.PagingLevels = 4
	cfg.NoExecute = true

	machine, err := sim.NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = machine.Close() })

	// Make sure that loaded segments do not rely on frames being zeroed
	ram := machine.Memory()
	for i := range ram {
		ram[i] = 0xaa
	}

	ledger := pmm.NewLedger(machine.BootInfo().MemoryMap)
	mapper, kerr := vmm.New(vmm.Config{Arch: machine.Core(0), Ledger: ledger, DirectMapBase: machine.DirectMapBase()})
	if kerr != nil {
		t.Fatal(kerr)
	}

	return &testEnv{machine: machine, ledger: ledger, mapper: mapper}
}

var testSegments = []testSegment{
	{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x400000, memsz: 0x1800, data: []byte("hello driver")},
	{typ: elf.PT_NOTE, flags: elf.PF_R, vaddr: 0x500000, memsz: 0x10, data: []byte("note")},
	{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, vaddr: 0x600ff8, memsz: 0x100, data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
	{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x700000, memsz: 0x20, data: []byte("ro")},
}

func TestSegmentFlags(t *testing.T) {
	specs := []struct {
		flags elf.ProgFlag
		exp   vmm.PageTableEntryFlag
	}{
		{elf.PF_R, vmm.FlagsRO},
		{elf.PF_R | elf.PF_X, vmm.FlagsRX},
		{elf.PF_R | elf.PF_W, vmm.FlagsRW},
		{elf.PF_R | elf.PF_W | elf.PF_X, vmm.FlagsRW},
		{0, vmm.FlagsRO},
	}

	for specIndex, spec := range specs {
		if got := segmentFlags(spec.flags); got != spec.exp {
			t.Errorf("[spec %d] expected flags %x; got %x", specIndex, spec.exp, got)
		}
	}
}

func TestLoadELF(t *testing.T) {
	env := newTestEnv(t)

	img, err := LoadELF(env.mapper, bytes.NewReader(buildELF(t, 0x400010, testSegments)))
	if err != nil {
		t.Fatal(err)
	}

	expImg := &Image{
		Entry: 0x400010,
		Segments: []Segment{
			{VirtAddr: 0x400000, MemSize: 0x1800, Flags: vmm.FlagsRX},
			{VirtAddr: 0x600ff8, MemSize: 0x100, Flags: vmm.FlagsRW},
			{VirtAddr: 0x700000, MemSize: 0x20, Flags: vmm.FlagsRO},
		},
	}
	if diff := cmp.Diff(expImg, img); diff != "" {
		t.Fatalf("image mismatch (-want +got):\n%s", diff)
	}

	pageSpecs := []struct {
		addr      uintptr
		expMapped bool
		expFlags  vmm.PageTableEntryFlag
	}{
		{0x400000, true, vmm.FlagsRX},
		{0x401000, true, vmm.FlagsRX},
		{0x402000, false, 0},
		{0x500000, false, 0},
		{0x600000, true, vmm.FlagsRW},
		{0x601000, true, vmm.FlagsRW},
		{0x700000, true, vmm.FlagsRO},
	}

	for specIndex, spec := range pageSpecs {
		page := vmm.PageFromAddress(spec.addr)
		if got := env.mapper.IsMapped(page); got != spec.expMapped {
			t.Errorf("[spec %d] expected mapped to be %t; got %t", specIndex, spec.expMapped, got)
			continue
		}
		if !spec.expMapped {
			continue
		}
		if flags, _ := env.mapper.PageAttributes(page); flags != spec.expFlags {
			t.Errorf("[spec %d] expected flags %x; got %x", specIndex, spec.expFlags, flags)
		}
	}

	// File contents followed by zeroes up to the end of the page
	text := make([]byte, 0x2000)
	if err = ReadVirtual(env.mapper, 0x400000, text); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(text[:12], []byte("hello driver")) {
		t.Fatalf("unexpected segment contents %q", text[:12])
	}
	if !bytes.Equal(text[12:], make([]byte, len(text)-12)) {
		t.Fatal("expected the rest of the segment to be zeroed")
	}

	// The data segment straddles a page boundary
	data := make([]byte, 0x100)
	if err = ReadVirtual(env.mapper, 0x600ff8, data); err != nil {
		t.Fatal(err)
	}
	expData := make([]byte, 0x100)
	copy(expData, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	if diff := cmp.Diff(expData, data); diff != "" {
		t.Fatalf("data segment mismatch (-want +got):\n%s", diff)
	}

	if err = ReadVirtual(env.mapper, 0x500000, make([]byte, 1)); errors.Cause(err) != vmm.ErrNotMapped {
		t.Fatalf("expected ErrNotMapped; got %v", err)
	}
}

func TestLoadELFSharedPage(t *testing.T) {
	env := newTestEnv(t)

	segs := []testSegment{
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, vaddr: 0x400000, memsz: 0x10, data: []byte("text")},
		{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, vaddr: 0x400800, memsz: 0x10},
	}
	if _, err := LoadELF(env.mapper, bytes.NewReader(buildELF(t, 0x400000, segs))); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 0x810)
	if err := ReadVirtual(env.mapper, 0x400000, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf[:4]) != "text" || !bytes.Equal(buf[0x800:], make([]byte, 0x10)) {
		t.Fatal("expected the second segment not to clobber the first")
	}

	// The first segment decides the attributes of a shared page
	if flags, _ := env.mapper.PageAttributes(vmm.PageFromAddress(0x400000)); flags != vmm.FlagsRX {
		t.Fatalf("expected flags %x; got %x", vmm.FlagsRX, flags)
	}
}

func TestLoadELFErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := LoadELF(env.mapper, bytes.NewReader(make([]byte, 128)))
	if _, ok := errors.Cause(err).(*elf.FormatError); !ok {
		t.Fatalf("expected an ELF format error; got %v", err)
	}

	segs := []testSegment{{typ: elf.PT_LOAD, flags: elf.PF_R, vaddr: 0x400000, memsz: 2, data: []byte("too long")}}
	if _, err = LoadELF(env.mapper, bytes.NewReader(buildELF(t, 0, segs))); err == nil {
		t.Fatal("expected an error for a segment whose file size exceeds its memory size")
	}
}

type archiveEntry struct {
	name string
	typ  byte
	data []byte
}

func buildArchive(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.name, Typeflag: entry.typ, Mode: 0644, Size: int64(len(entry.data))}
		if entry.typ == tar.TypeDir {
			hdr.Mode, hdr.Size = 0755, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			t.Fatal(err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadDriverArchive(t *testing.T) {
	env := newTestEnv(t)

	kernelPage := vmm.PageFromAddress(0x7ff000000000)
	kernelFrame, kerr := env.mapper.AutoMap(kernelPage, vmm.FlagsRW)
	if kerr != nil {
		t.Fatal(kerr)
	}

	image := buildELF(t, 0x400010, testSegments)
	archive := buildArchive(t, []archiveEntry{
		{name: "drivers/", typ: tar.TypeDir},
		{name: "drivers/ps2.elf", typ: tar.TypeReg, data: image},
		{name: "drivers/README", typ: tar.TypeReg, data: []byte("not a driver")},
		{name: "drivers/serial.elf", typ: tar.TypeReg, data: image},
	})

	drivers, err := LoadDriverArchive(env.mapper, bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}

	if len(drivers) != 2 || drivers[0].Name != "ps2.elf" || drivers[1].Name != "serial.elf" {
		t.Fatalf("unexpected drivers %+v", drivers)
	}

	textPage := vmm.PageFromAddress(0x400000)
	frames := make(map[pmm.Frame]bool)
	for _, drv := range drivers {
		if drv.Mapper.RootFrame() == env.mapper.RootFrame() {
			t.Fatalf("expected driver %s to get its own address space", drv.Name)
		}
		if drv.Image.Entry != 0x400010 || len(drv.Image.Segments) != 3 {
			t.Fatalf("unexpected image for driver %s: %+v", drv.Name, drv.Image)
		}
		if !drv.Mapper.IsMappedTo(kernelPage, kernelFrame) {
			t.Fatalf("expected kernel mappings to be visible to driver %s", drv.Name)
		}

		frame, err := drv.Mapper.GetMappedTo(textPage)
		if err != nil {
			t.Fatal(err)
		}
		frames[frame] = true
	}

	if len(frames) != 2 {
		t.Fatal("expected each driver to get its own text frames")
	}
	if env.mapper.IsMapped(textPage) {
		t.Fatal("expected driver segments not to leak into the kernel address space")
	}
}

func TestLoadDriverArchiveErrors(t *testing.T) {
	env := newTestEnv(t)

	_, err := LoadDriverArchive(env.mapper, bytes.NewReader(bytes.Repeat([]byte("x"), 1024)))
	if errors.Cause(err) != tar.ErrHeader {
		t.Fatalf("expected tar.ErrHeader; got %v", err)
	}

	// An empty archive loads nothing
	drivers, err := LoadDriverArchive(env.mapper, bytes.NewReader(buildArchive(t, nil)))
	if err != nil || len(drivers) != 0 {
		t.Fatalf("expected no drivers and no error; got %v, %v", drivers, err)
	}
}
