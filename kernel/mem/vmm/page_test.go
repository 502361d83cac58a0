package vmm

import (
	"testing"

	"github.com/pyre-project/pyre/kernel/mem"
)

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<mem.PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input     uintptr
		expPage   Page
		expOffset uintptr
	}{
		{0, Page(0), 0},
		{4095, Page(0), 4095},
		{4096, Page(1), 0},
		{4123, Page(1), 27},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
		if got := PageOffset(spec.input); got != spec.expOffset {
			t.Errorf("[spec %d] expected page offset to be %d; got %d", specIndex, spec.expOffset, got)
		}
	}
}
