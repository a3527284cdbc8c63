// Package gather implements the gatherer: it walks the manifest under a
// link script and decides which input sections survive into the
// output, in what order, bucketed by the four standard sections the
// emitter understands.
package gather

import (
	"debug/elf"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/diodesign/itsylinker/manifest"
	"github.com/diodesign/itsylinker/objread"
	"github.com/diodesign/itsylinker/script"
)

// InputSectionRef identifies one kept input section: the object it
// came from, its section index within that object, and the standard
// bucket it was gathered into.
type InputSectionRef struct {
	ID     manifest.FileIdentifier
	Index  objread.SectionID
	Parent int
}

type sectionKey struct {
	id  manifest.FileIdentifier
	idx objread.SectionID
}

// RV64 PSABI e_flags bits (see the processor supplement); only these
// are meaningful to the merge below.
const (
	efRVC       = 1 << 0
	efFloatABI  = 0x3 << 1
	efRVE       = 1 << 3
	efTSO       = 1 << 4
	efUsageBits = efRVC | efRVE | efTSO
)

// Result holds everything the emitter needs from a gather pass.
type Result struct {
	// KeptSections is the ordered set of sections to copy into the
	// output, in final emission order.
	KeptSections []InputSectionRef

	// Buckets[p] holds the indices into KeptSections belonging to
	// standard section p (see script.StandardSections), in order.
	Buckets [4][]int

	// Flags is the merged RV64 e_flags value across every object that
	// contributed at least one kept section.
	Flags uint32
}

// Run gathers the sections of m's objects under the link script s.
func Run(s *script.Script, m *manifest.Manifest) (*Result, error) {
	r := &Result{}
	seen := make(map[sectionKey]int) // section key -> index into KeptSections
	flagMerged := make(map[manifest.FileIdentifier]bool)

	entries := m.All()

	for stdIdx, name := range script.StandardSections {
		bucket, ok := s.Sections[name]
		if !ok {
			continue
		}
		for _, patternStr := range bucket.Include {
			pattern, err := glob.Compile(patternStr)
			if err != nil {
				return nil, fmt.Errorf("bad include pattern %q for section %s: %w", patternStr, name, err)
			}

			for _, entry := range entries {
				f, err := objread.Open(entry.Mapping.ReaderAt())
				if err != nil {
					return nil, fmt.Errorf("%s: %w", entry.ID, err)
				}

				if hasComdat(f) {
					f.Close()
					return nil, fmt.Errorf("%s: object has COMDAT groups, which itsylinker does not support", entry.ID)
				}

				for _, sec := range f.Sections() {
					if isMetadata(f, sec) {
						continue
					}
					if !pattern.Match(sec.Name) {
						continue
					}

					key := sectionKey{entry.ID, sec.ID}
					if _, already := seen[key]; already {
						continue
					}

					ref := InputSectionRef{ID: entry.ID, Index: sec.ID, Parent: stdIdx}
					seen[key] = len(r.KeptSections)
					r.KeptSections = append(r.KeptSections, ref)
					r.Buckets[stdIdx] = append(r.Buckets[stdIdx], len(r.KeptSections)-1)

					if !flagMerged[entry.ID] {
						flagMerged[entry.ID] = true
						if err := mergeFlags(&r.Flags, f); err != nil {
							f.Close()
							return nil, fmt.Errorf("%s: %w", entry.ID, err)
						}
					}
				}

				f.Close()
			}
		}
	}

	return r, nil
}

// isMetadata reports whether sec is an ELF housekeeping section (symbol
// table, string table, relocations, group, notes, and the like) rather
// than loadable program content. Only PROGBITS and NOBITS sections are
// eligible for gathering; every other type, processor-specific ones
// such as RISC-V attribute sections included, counts as metadata.
func isMetadata(f objread.File, sec *objread.Section) bool {
	de, ok := f.(objread.AsDebugElf)
	if !ok {
		return false
	}
	ef := de.AsDebugElf()
	if sec.RawID < 0 || sec.RawID >= len(ef.Sections) {
		return true
	}
	switch ef.Sections[sec.RawID].Type {
	case elf.SHT_PROGBITS, elf.SHT_NOBITS:
		return false
	default:
		return true
	}
}

// hasComdat reports whether f defines any SHT_GROUP sections, itsylinker's
// stand-in for "this object uses COMDAT" since debug/elf doesn't
// surface group membership any more specifically than that.
func hasComdat(f objread.File) bool {
	de, ok := f.(objread.AsDebugElf)
	if !ok {
		return false
	}
	for _, sec := range de.AsDebugElf().Sections {
		if sec.Type == elf.SHT_GROUP {
			return true
		}
	}
	return false
}

// mergeFlags folds f's e_flags into *acc per the RV64 PSABI merge
// rule: usage bits (RVC, RVE, TSO) OR together, and the float-ABI field
// takes the numerically larger of the two values.
func mergeFlags(acc *uint32, f objread.File) error {
	de, ok := f.(objread.AsDebugElf)
	if !ok {
		return nil
	}
	flags := de.AsDebugElf().Flags

	usage := (*acc & efUsageBits) | (flags & efUsageBits)

	floatABI := *acc & efFloatABI
	if newFloat := flags & efFloatABI; newFloat > floatABI {
		floatABI = newFloat
	}

	*acc = usage | floatABI
	return nil
}
