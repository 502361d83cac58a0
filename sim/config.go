// Package sim provides a hosted machine for the memory core: an anonymous
// memory mapping plays the role of physical RAM and each simulated core
// implements cpu.Arch. The host address of the RAM mapping doubles as the
// direct-map window, so page-table walks dereference real memory.
package sim

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/pyre-project/pyre/kernel/boot"
	"github.com/pyre-project/pyre/kernel/mem"
)

// Region describes a range of the simulated physical address space.
type Region struct {
	Start  uint64 `toml:"start"`
	Length uint64 `toml:"length"`

	// Type is one of "available", "reserved", "acpi", "nvs" or "mmio".
	Type string `toml:"type"`
}

// HeapConfig places the block heap in the kernel address space.
type HeapConfig struct {
	Base        uint64 `toml:"base"`
	MapBase     uint64 `toml:"map_base"`
	MaxMapPages uint64 `toml:"max_map_pages"`
}

// StackConfig describes the boot stack: Pages frames starting at physical
// address Start, identity-mapped by the boot loader.
type StackConfig struct {
	Start uint64 `toml:"start"`
	Pages uint64 `toml:"pages"`
}

// Config describes a simulated machine.
type Config struct {
	// MemorySize is the amount of simulated RAM in bytes.
	MemorySize uint64 `toml:"memory_size"`

	// PagingLevels is 4 or 5. Zero selects the host's capability.
	PagingLevels uint8 `toml:"paging_levels"`

	NoExecute bool `toml:"no_execute"`
	Cores     int  `toml:"cores"`

	Regions []Region    `toml:"region"`
	Heap    HeapConfig  `toml:"heap"`
	Stack   StackConfig `toml:"stack"`
}

// DefaultConfig returns a 16M single-core machine with 4-level paging whose
// first megabyte is reserved.
func DefaultConfig() Config {
	cfg := Config{MemorySize: uint64(16 * mem.Mb)}
	cfg.setDefaults()
	return cfg
}

// LoadConfig reads a TOML machine description.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read machine config %q", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a TOML machine description and fills in defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to decode machine config")
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.MemorySize == 0 {
		c.MemorySize = uint64(16 * mem.Mb)
	}
	if c.Cores == 0 {
		c.Cores = 1
	}
	if len(c.Regions) == 0 && c.MemorySize <= uint64(mem.Mb) {
		c.Regions = []Region{{Start: 0, Length: c.MemorySize, Type: "available"}}
	} else if len(c.Regions) == 0 {
		c.Regions = []Region{
			{Start: 0, Length: uint64(mem.Mb), Type: "reserved"},
			{Start: uint64(mem.Mb), Length: c.MemorySize - uint64(mem.Mb), Type: "available"},
		}
	}
	if c.Heap.Base == 0 && c.Heap.MapBase == 0 {
		c.Heap.Base = 0x100000000000
		c.Heap.MapBase = 0x200000000000
	}
	if c.Heap.MaxMapPages == 0 {
		c.Heap.MaxMapPages = 64
	}
	if c.Stack.Pages == 0 {
		c.Stack.Start = 0x80000
		c.Stack.Pages = 4
	}
}

func (c *Config) validate() error {
	if c.MemorySize%uint64(mem.PageSize) != 0 {
		return errors.Errorf("memory size %d is not a multiple of the page size", c.MemorySize)
	}
	if c.PagingLevels != 0 && c.PagingLevels != 4 && c.PagingLevels != 5 {
		return errors.Errorf("unsupported paging levels %d", c.PagingLevels)
	}
	if c.Cores < 0 {
		return errors.Errorf("invalid core count %d", c.Cores)
	}
	for i, r := range c.Regions {
		typ, err := parseRegionType(r.Type)
		if err != nil {
			return errors.Wrapf(err, "region %d", i)
		}

		// Only device windows may lie beyond RAM
		if typ != boot.MemMMIO && (r.Length > c.MemorySize || r.Start > c.MemorySize-r.Length) {
			return errors.Errorf("region %d [0x%x, +0x%x) is outside of physical memory", i, r.Start, r.Length)
		}
	}
	stackEnd := c.Stack.Start + c.Stack.Pages*uint64(mem.PageSize)
	if c.Stack.Start%uint64(mem.PageSize) != 0 || stackEnd > c.MemorySize {
		return errors.Errorf("boot stack [0x%x, 0x%x) is not page aligned or outside of memory", c.Stack.Start, stackEnd)
	}
	return nil
}

func parseRegionType(typ string) (boot.MemoryType, error) {
	switch typ {
	case "available":
		return boot.MemAvailable, nil
	case "reserved", "":
		return boot.MemReserved, nil
	case "acpi":
		return boot.MemAcpiReclaimable, nil
	case "nvs":
		return boot.MemNvs, nil
	case "mmio":
		return boot.MemMMIO, nil
	default:
		return 0, errors.Errorf("unknown region type %q", typ)
	}
}
