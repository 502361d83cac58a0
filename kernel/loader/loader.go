// Package loader maps ELF images into address spaces. It is used during
// bring-up to start the drivers that the boot loader hands over as a tar
// archive module.
package loader

import (
	"archive/tar"
	"bytes"
	"debug/elf"
	"io"
	"path"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/kfmt"
	"github.com/pyre-project/pyre/kernel/mem"
	"github.com/pyre-project/pyre/kernel/mem/pmm"
	"github.com/pyre-project/pyre/kernel/mem/vmm"
	"github.com/sirupsen/logrus"
)

// Segment describes a loaded PT_LOAD segment.
type Segment struct {
	VirtAddr uintptr
	MemSize  uint64
	Flags    vmm.PageTableEntryFlag
}

// Image describes an ELF image mapped into an address space.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// segmentFlags picks the page attributes for an ELF segment. Writable and
// executable segments are mapped writable; the mapper never creates pages
// that are both.
func segmentFlags(flags elf.ProgFlag) vmm.PageTableEntryFlag {
	switch {
	case flags&elf.PF_W != 0:
		return vmm.FlagsRW
	case flags&elf.PF_X != 0:
		return vmm.FlagsRX
	default:
		return vmm.FlagsRO
	}
}

// LoadELF maps every PT_LOAD segment of the image in r into m. Each page
// gets a fresh frame; the file contents are copied through the direct-map
// window and the remainder of the segment (e.g. .bss) is zeroed.
func LoadELF(m *vmm.Mapper, r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF image")
	}
	defer f.Close()

	log := kfmt.Logger("loader")
	img := &Image{Entry: uintptr(f.Entry)}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		if prog.Filesz > prog.Memsz {
			return nil, errors.Errorf("segment at 0x%x: file size %d exceeds memory size %d", prog.Vaddr, prog.Filesz, prog.Memsz)
		}

		seg := Segment{VirtAddr: uintptr(prog.Vaddr), MemSize: prog.Memsz, Flags: segmentFlags(prog.Flags)}
		log.WithFields(logrus.Fields{
			"vaddr":  seg.VirtAddr,
			"memsz":  seg.MemSize,
			"filesz": prog.Filesz,
			"flags":  prog.Flags,
		}).Trace("loading segment")

		if err = mapSegment(m, seg); err != nil {
			return nil, err
		}

		data := make([]byte, prog.Filesz)
		if _, err = prog.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "failed to read segment at 0x%x", prog.Vaddr)
		}

		if err = copyToVirtual(m, seg.VirtAddr, data); err != nil {
			return nil, err
		}
		if err = zeroVirtual(m, seg.VirtAddr+uintptr(prog.Filesz), prog.Memsz-prog.Filesz); err != nil {
			return nil, err
		}

		img.Segments = append(img.Segments, seg)
	}

	return img, nil
}

// mapSegment backs every page of seg with a fresh, zeroed frame. A page that
// is already mapped (two segments sharing a page) keeps its frame and
// attributes.
func mapSegment(m *vmm.Mapper, seg Segment) error {
	first := vmm.PageFromAddress(seg.VirtAddr)
	count := mem.Size(uint64(vmm.PageOffset(seg.VirtAddr)) + seg.MemSize).Pages()

	for page := first; page < first+vmm.Page(count); page++ {
		frame, err := m.AutoMap(page, seg.Flags)
		switch {
		case err == vmm.ErrAlreadyMapped:
			continue
		case err != nil:
			return errors.Wrapf(err, "failed to map page 0x%x", page.Address())
		}

		mem.Memset(m.DirectMapAddress(frame), 0, mem.PageSize)
	}

	return nil
}

// visitVirtual calls fn with the direct-map address of each page-sized chunk
// of [virtAddr, virtAddr+size).
func visitVirtual(m *vmm.Mapper, virtAddr uintptr, size uint64, fn func(hostAddr uintptr, offset, n uint64)) error {
	for offset := uint64(0); offset < size; {
		addr := virtAddr + uintptr(offset)
		n := min(size-offset, uint64(mem.PageSize)-uint64(vmm.PageOffset(addr)))

		physAddr, err := m.Translate(addr)
		if err != nil {
			return errors.Wrapf(err, "failed to translate 0x%x", addr)
		}

		fn(m.DirectMapAddress(pmm.FrameFromAddress(physAddr))+vmm.PageOffset(physAddr), offset, n)
		offset += n
	}
	return nil
}

func copyToVirtual(m *vmm.Mapper, virtAddr uintptr, data []byte) error {
	return visitVirtual(m, virtAddr, uint64(len(data)), func(hostAddr uintptr, offset, n uint64) {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), n), data[offset:offset+n])
	})
}

func zeroVirtual(m *vmm.Mapper, virtAddr uintptr, size uint64) error {
	return visitVirtual(m, virtAddr, size, func(hostAddr uintptr, _, n uint64) {
		mem.Memset(hostAddr, 0, mem.Size(n))
	})
}

// ReadVirtual copies len(buf) bytes starting at virtAddr in m into buf.
func ReadVirtual(m *vmm.Mapper, virtAddr uintptr, buf []byte) error {
	return visitVirtual(m, virtAddr, uint64(len(buf)), func(hostAddr uintptr, offset, n uint64) {
		copy(buf[offset:offset+n], unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), n))
	})
}

// Driver is a driver image loaded into its own address space.
type Driver struct {
	Name   string
	Mapper *vmm.Mapper
	Image  *Image
}

// LoadDriverArchive loads every ELF file of the tar archive in r. Each
// driver gets a new address space cloned from kernelSpace, so the kernel
// mappings stay visible to it. Archive entries that are not valid ELF
// images are skipped.
func LoadDriverArchive(kernelSpace *vmm.Mapper, r io.Reader) ([]*Driver, error) {
	var (
		log     = kfmt.Logger("loader")
		drivers []*Driver
		tr      = tar.NewReader(r)
	)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return drivers, errors.Wrap(err, "failed to read driver archive")
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		log.Debugf("processing archive entry for driver: %s", hdr.Name)

		data, err := io.ReadAll(tr)
		if err != nil {
			return drivers, errors.Wrapf(err, "failed to read driver %q", hdr.Name)
		}

		if _, err = elf.NewFile(bytes.NewReader(data)); err != nil {
			log.Warnf("skipping %s: %v", hdr.Name, err)
			continue
		}

		space, kerr := vmm.NewFrom(kernelSpace)
		if kerr != nil {
			return drivers, errors.Wrapf(kerr, "failed to create address space for driver %q", hdr.Name)
		}

		img, err := LoadELF(space, bytes.NewReader(data))
		if err != nil {
			return drivers, errors.Wrapf(err, "failed to load driver %q", hdr.Name)
		}

		drivers = append(drivers, &Driver{
			Name:   path.Base(hdr.Name),
			Mapper: space,
			Image:  img,
		})
		log.Infof("loaded driver %s (entry 0x%x, %d segments)", path.Base(hdr.Name), img.Entry, len(img.Segments))
	}

	return drivers, nil
}
