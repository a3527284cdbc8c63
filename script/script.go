// Package script loads the link script: the small TOML document that
// tells the linker which standard sections to keep (by wildcard
// include-pattern), where the output image is placed, and which symbol
// marks the entry point.
package script

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// StandardSections lists the four section buckets the gatherer
// recognizes, in output order.
var StandardSections = [...]string{"text", "rodata", "data", "bss"}

// Script is the parsed form of a link script.
type Script struct {
	Output   Output             `toml:"output"`
	Sections map[string]Section `toml:"section"`
}

// Output configures whole-image placement.
type Output struct {
	Entry             string  `toml:"entry"`
	Relocatable       *bool   `toml:"relocatable"`
	BasePhysAddr      *uint64 `toml:"base_phys_addr"`
	BaseVirtAddr      *uint64 `toml:"base_virt_addr"`
	StartSymbol       string  `toml:"start_symbol"`
	EndSymbol         string  `toml:"end_symbol"`
	Alignment         uint64  `toml:"alignment"`
	DynamicRelocation bool    `toml:"dynamic_relocation"`
}

// Section configures one standard-section bucket (text, rodata, data,
// or bss).
type Section struct {
	Include     []string `toml:"include"`
	StartSymbol string   `toml:"start_symbol"`
	EndSymbol   string   `toml:"end_symbol"`
	Alignment   uint64   `toml:"alignment"`
}

const defaultEntry = "_start"

// Load reads and parses the link script at path, applying spec.md's
// defaults for any field the document leaves unset: entry = "_start",
// relocatable = true, and a single base address applied to both phys
// and virt when only one of the two is given.
func Load(path string) (*Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading link script %s: %w", path, err)
	}

	var s Script
	if err := toml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing link script %s: %w", path, err)
	}

	if s.Output.Entry == "" {
		s.Output.Entry = defaultEntry
	}
	if s.Output.Relocatable == nil {
		def := true
		s.Output.Relocatable = &def
	}
	if s.Output.BasePhysAddr == nil && s.Output.BaseVirtAddr != nil {
		s.Output.BasePhysAddr = s.Output.BaseVirtAddr
	}
	if s.Output.BaseVirtAddr == nil && s.Output.BasePhysAddr != nil {
		s.Output.BaseVirtAddr = s.Output.BasePhysAddr
	}

	return &s, nil
}

// Include returns the wildcard include-patterns configured for standard
// section name (one of StandardSections), or nil if the script doesn't
// mention that section at all.
func (s *Script) Include(name string) []string {
	return s.Sections[name].Include
}
