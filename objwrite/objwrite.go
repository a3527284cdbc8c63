// Package objwrite is the emitter: it builds an in-memory output ELF
// from a gather.Result and a manifest, then serializes it. Sections,
// symbols, and relocations are copied over in three separate passes,
// matching the teacher's reader/writer split between section,
// symbol, and relocation concerns.
package objwrite

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/diodesign/itsylinker/gather"
	"github.com/diodesign/itsylinker/manifest"
	"github.com/diodesign/itsylinker/objread"
	"github.com/diodesign/itsylinker/script"
)

// OutputSectionId is an opaque handle for a section in the output ELF
// under construction.
type OutputSectionId int

// OutputSymbolId is an opaque handle for a symbol in the output ELF
// under construction.
type OutputSymbolId int

const noSection = OutputSectionId(-1)

type outSection struct {
	name   string
	typ    uint32
	flags  uint64
	align  uint64
	data   []byte // nil for a BSS reservation
	size   uint64
	addr   uint64 // assigned during placement; 0 for relocatable output
	bucket int    // index into script.StandardSections
}

type outSymbol struct {
	name    string
	info    uint8
	other   uint8
	section OutputSectionId // noSection if not section-attributed
	value   uint64
	size    uint64

	// kind records the original symbol's unattributed classification
	// (Undef, Absolute, or BSS/common) so WriteTo can pick the right
	// special section index (SHN_UNDEF/SHN_ABS/SHN_COMMON). Meaningless
	// when section != noSection.
	kind objread.SymKind
}

type outReloc struct {
	offset uint64
	symbol OutputSymbolId
	typ    uint32
	addend int64
}

// bucketFlags gives the section flags (permission class) for each
// standard section index, per script.StandardSections: R-X, R--, RW-,
// RW-.
var bucketFlags = [4]uint64{
	uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), // text
	uint64(elf.SHF_ALLOC),                     // rodata
	uint64(elf.SHF_ALLOC | elf.SHF_WRITE),     // data
	uint64(elf.SHF_ALLOC | elf.SHF_WRITE),     // bss
}

// Builder accumulates an output ELF image across the section, symbol,
// and relocation copy passes.
type Builder struct {
	sections []outSection
	symbols  []outSymbol
	relocs   map[OutputSectionId][]outReloc

	sectionMap map[manifest.FileIdentifier]map[objread.SectionID]OutputSectionId
	symbolMap  map[manifest.FileIdentifier]map[objread.SymID]OutputSymbolId
	sectionSym map[OutputSectionId]OutputSymbolId

	flags uint32

	entry   uint64
	relocat bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		relocs:     make(map[OutputSectionId][]outReloc),
		sectionMap: make(map[manifest.FileIdentifier]map[objread.SectionID]OutputSectionId),
		symbolMap:  make(map[manifest.FileIdentifier]map[objread.SymID]OutputSymbolId),
		sectionSym: make(map[OutputSectionId]OutputSymbolId),
	}
}

func symInfo(bind, typ int) uint8 {
	return uint8(bind<<4 | typ)
}

// CopySections walks result.KeptSections in order, creating one output
// section per InputSectionRef and recording it in SectionMap. A
// synthetic local STT_SECTION symbol is created for each output
// section so relocations that target a section (rather than a data
// symbol) have something to retarget to.
func (b *Builder) CopySections(result *gather.Result, m *manifest.Manifest) error {
	for _, ref := range result.KeptSections {
		mp, ok := m.Get(ref.ID)
		if !ok {
			return fmt.Errorf("%s: missing from manifest during section copy", ref.ID)
		}
		f, err := objread.Open(mp.ReaderAt())
		if err != nil {
			return fmt.Errorf("%s: %w", ref.ID, err)
		}

		sec := f.Section(ref.Index)
		name := sec.Name
		if name == "" {
			f.Close()
			return fmt.Errorf("%s: section %d has an unreadable name", ref.ID, ref.Index)
		}

		var data []byte
		if !sec.ZeroInitialize() && sec.Size > 0 {
			d, err := sec.Data(sec.Addr, sec.Size)
			if err != nil {
				f.Close()
				return fmt.Errorf("%s: reading data for section %s: %w", ref.ID, name, err)
			}
			data = append([]byte(nil), d.P...)
		}

		typ := uint32(elf.SHT_PROGBITS)
		if sec.ZeroInitialize() {
			typ = uint32(elf.SHT_NOBITS)
		}

		align := sec.Align
		if align == 0 {
			align = 1
		}

		outID := OutputSectionId(len(b.sections))
		b.sections = append(b.sections, outSection{
			name:   name,
			typ:    typ,
			flags:  bucketFlags[ref.Parent],
			align:  align,
			data:   data,
			size:   sec.Size,
			bucket: ref.Parent,
		})

		if b.sectionMap[ref.ID] == nil {
			b.sectionMap[ref.ID] = make(map[objread.SectionID]OutputSectionId)
		}
		b.sectionMap[ref.ID][ref.Index] = outID

		symID := OutputSymbolId(len(b.symbols))
		b.symbols = append(b.symbols, outSymbol{
			name:    name,
			info:    symInfo(int(elf.STB_LOCAL), int(elf.STT_SECTION)),
			section: outID,
		})
		b.sectionSym[outID] = symID

		f.Close()
	}

	b.flags = result.Flags
	return nil
}

// CopySymbols copies every eligible input symbol from every object in
// the manifest into the output symbol table, rebasing section-relative
// symbols onto their new output section.
func (b *Builder) CopySymbols(m *manifest.Manifest) error {
	for _, entry := range m.All() {
		f, err := objread.Open(entry.Mapping.ReaderAt())
		if err != nil {
			return fmt.Errorf("%s: %w", entry.ID, err)
		}

		n := f.NumSyms()
		for i := objread.SymID(0); i < n; i++ {
			sym := f.Sym(i)

			if sym.Kind == objread.SymFile {
				// File symbols name the compilation unit, not a linkable
				// entity; they never survive into the output.
				continue
			}

			outSec := noSection
			value := sym.Value

			switch {
			case sym.Section != nil:
				outID, ok := b.sectionMap[entry.ID][sym.Section.ID]
				if !ok {
					continue // section wasn't kept; symbol drops with it
				}
				outSec = outID
				value = sym.Value - sym.Section.Addr
			case sym.Kind == objread.SymUndef, sym.Kind == objread.SymAbsolute, sym.Kind == objread.SymBSS:
				// Undefined, absolute, and common symbols carry their
				// value through unchanged.
			default:
				f.Close()
				return fmt.Errorf("%s: symbol %q has an unsupported attribution", entry.ID, sym.Name)
			}

			bind := elf.STB_GLOBAL
			switch {
			case sym.Local():
				bind = elf.STB_LOCAL
			case sym.Weak():
				bind = elf.STB_WEAK
			}
			typ := symTypeFor(sym.Kind)

			outID := OutputSymbolId(len(b.symbols))
			b.symbols = append(b.symbols, outSymbol{
				name:    sym.Name,
				info:    symInfo(int(bind), int(typ)),
				section: outSec,
				value:   value,
				size:    sym.Size,
				kind:    sym.Kind,
			})

			if b.symbolMap[entry.ID] == nil {
				b.symbolMap[entry.ID] = make(map[objread.SymID]OutputSymbolId)
			}
			b.symbolMap[entry.ID][i] = outID
		}

		f.Close()
	}
	return nil
}

func symTypeFor(k objread.SymKind) elf.SymType {
	switch k {
	case objread.SymText:
		return elf.STT_FUNC
	case objread.SymROData, objread.SymData, objread.SymBSS:
		return elf.STT_OBJECT
	case objread.SymSection:
		return elf.STT_SECTION
	default:
		return elf.STT_NOTYPE
	}
}

// CopyRelocations walks every kept input section and rewrites its
// relocations against the output symbol table. A relocation against a
// section symbol is retargeted via the synthetic section-symbol of that
// section's output copy, and is an error if that section was not kept;
// one against an ordinary symbol is retargeted via SymbolMap and
// dropped (SoftMiss) if that symbol's owning section was never kept.
func (b *Builder) CopyRelocations(m *manifest.Manifest) error {
	for id, bySection := range b.sectionMap {
		mp, ok := m.Get(id)
		if !ok {
			return fmt.Errorf("%s: missing from manifest during relocation copy", id)
		}
		f, err := objread.Open(mp.ReaderAt())
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}

		for inIdx, outID := range bySection {
			sec := f.Section(inIdx)
			if sec.Size == 0 {
				continue
			}
			d, err := sec.Data(sec.Addr, sec.Size)
			if err != nil {
				f.Close()
				return fmt.Errorf("%s: reading relocations for section %s: %w", id, sec.Name, err)
			}

			for _, reloc := range d.R {
				if reloc.Symbol == objread.NoSym {
					continue
				}
				targetSym := f.Sym(reloc.Symbol)

				var outSymID OutputSymbolId
				if targetSym.Kind == objread.SymSection {
					if targetSym.Section == nil {
						f.Close()
						return fmt.Errorf("%s: relocation references a section symbol with no section", id)
					}
					targetOutSec, ok := b.sectionMap[id][targetSym.Section.ID]
					if !ok {
						f.Close()
						return fmt.Errorf("%s: can't map input section %s to output section", id, targetSym.Section.Name)
					}
					outSymID = b.sectionSym[targetOutSec]
				} else {
					mapped, ok := b.symbolMap[id][reloc.Symbol]
					if !ok {
						continue // SoftMiss: owning section wasn't kept
					}
					outSymID = mapped
				}

				offset := reloc.Addr - sec.Addr
				b.relocs[outID] = append(b.relocs[outID], outReloc{
					offset: offset,
					symbol: outSymID,
					typ:    reloc.Type.Raw(),
					addend: reloc.Addend,
				})
			}
		}

		f.Close()
	}
	return nil
}

// Placement errors.
var errDynamicRelocation = fmt.Errorf("dynamic_relocation is not supported by this linker")

// Place assigns output addresses according to s: for a relocatable
// output, every section keeps address 0 (ET_REL has no meaningful load
// addresses) and no boundary symbols are emitted; for a static output,
// sections are laid out bucket by bucket starting at the script's base
// virtual address, respecting the output's starting alignment and each
// bucket's inter-section alignment, the entry symbol is resolved, and
// any configured start_symbol/end_symbol names are emitted as
// SymAbsolute-class boundary symbols bracketing the whole image and
// each standard-section bucket.
func (b *Builder) Place(s *script.Script) error {
	out := &s.Output
	if out.DynamicRelocation {
		return errDynamicRelocation
	}
	b.relocat = out.Relocatable == nil || *out.Relocatable

	if b.relocat {
		b.entry = 0
		return nil
	}

	base := uint64(0)
	if out.BaseVirtAddr != nil {
		base = *out.BaseVirtAddr
	}

	addr := base
	if out.Alignment > 1 {
		addr = alignUp(addr, out.Alignment)
	}

	var bucketLo, bucketHi [4]uint64
	var bucketSeen [4]bool
	var overallLo, overallHi uint64
	anySeen := false

	for i := range b.sections {
		sec := &b.sections[i]

		align := sec.align
		if cfg, ok := s.Sections[script.StandardSections[sec.bucket]]; ok && cfg.Alignment > align {
			align = cfg.Alignment
		}
		addr = alignUp(addr, align)
		sec.addr = addr

		size := sec.size
		if sec.typ != uint32(elf.SHT_NOBITS) || size > 0 {
			addr += size
		}
		end := sec.addr + size

		if !bucketSeen[sec.bucket] {
			bucketLo[sec.bucket] = sec.addr
			bucketSeen[sec.bucket] = true
		}
		if end > bucketHi[sec.bucket] {
			bucketHi[sec.bucket] = end
		}
		if !anySeen || sec.addr < overallLo {
			overallLo = sec.addr
		}
		if end > overallHi {
			overallHi = end
		}
		anySeen = true
	}

	for _, sym := range b.symbols {
		if sym.name == out.Entry {
			b.entry = b.resolveSymAddr(sym)
			break
		}
	}

	if anySeen {
		b.addBoundarySym(out.StartSymbol, overallLo)
		b.addBoundarySym(out.EndSymbol, overallHi)
	}
	for bi, name := range script.StandardSections {
		if !bucketSeen[bi] {
			continue
		}
		cfg, ok := s.Sections[name]
		if !ok {
			continue
		}
		b.addBoundarySym(cfg.StartSymbol, bucketLo[bi])
		b.addBoundarySym(cfg.EndSymbol, bucketHi[bi])
	}

	return nil
}

// addBoundarySym appends a zero-size, global, absolute-class symbol
// named name at value addr. A blank name (the common case: most
// scripts don't set start_symbol/end_symbol) is a no-op.
func (b *Builder) addBoundarySym(name string, addr uint64) {
	if name == "" {
		return
	}
	b.symbols = append(b.symbols, outSymbol{
		name:    name,
		info:    symInfo(int(elf.STB_GLOBAL), int(elf.STT_NOTYPE)),
		section: noSection,
		value:   addr,
		kind:    objread.SymAbsolute,
	})
}

func (b *Builder) resolveSymAddr(sym outSymbol) uint64 {
	if sym.section == noSection {
		return sym.value
	}
	return b.sections[sym.section].addr + sym.value
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	if rem := v % align; rem != 0 {
		v += align - rem
	}
	return v
}

// WriteTo serializes the built ELF image: header, section contents
// (ELF conventionally orders the section header table last), symbol
// table, string tables, and relocation sections, with a single PT_LOAD
// program header when the output is a static (non-relocatable) image.
func (b *Builder) WriteTo(w io.Writer) error {
	shstrtab := newStrWriter()
	strtab := newStrWriter()

	// Section 0 is always the null section.
	type secHdr struct {
		elf.Section64
	}
	var shdrs []secHdr
	shdrs = append(shdrs, secHdr{})

	// Output sections, in KeptSections order.
	secShIdx := make([]int, len(b.sections))
	var content bytes.Buffer
	const ehsize = 64
	const phentsize = 56

	// A static image gets one PT_LOAD segment covering every
	// allocatable section; a relocatable image gets none. Settle this
	// before laying out content, since program headers sit between the
	// ELF header and the section data.
	var phdrs []elf.Prog64
	if !b.relocat {
		if lo, hi, ok := b.loadRange(); ok {
			phdrs = append(phdrs, elf.Prog64{
				Type:   uint32(elf.PT_LOAD),
				Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
				Vaddr:  lo,
				Paddr:  lo,
				Filesz: hi - lo,
				Memsz:  hi - lo,
				Align:  0x1000,
			})
		}
	}

	// First pass: compute content and offsets once the header/shdr
	// layout is known. Content for non-BSS sections is written
	// immediately after the ELF header and program headers; BSS
	// sections occupy no file space.
	fileOff := uint64(ehsize) + uint64(len(phdrs))*phentsize
	type placed struct {
		off  uint64
		size uint64
	}
	layout := make([]placed, len(b.sections))
	for i, s := range b.sections {
		if s.typ == uint32(elf.SHT_NOBITS) {
			layout[i] = placed{off: fileOff, size: s.size}
			continue
		}
		if rem := fileOff % s.align; s.align > 1 && rem != 0 {
			pad := s.align - rem
			content.Write(make([]byte, pad))
			fileOff += pad
		}
		layout[i] = placed{off: fileOff, size: uint64(len(s.data))}
		content.Write(s.data)
		fileOff += uint64(len(s.data))
	}

	for i, s := range b.sections {
		name := shstrtab.add(s.name)
		secShIdx[i] = len(shdrs)
		shdrs = append(shdrs, secHdr{elf.Section64{
			Name:      name,
			Type:      s.typ,
			Flags:     s.flags,
			Addr:      s.addr,
			Off:       layout[i].off,
			Size:      layout[i].size,
			Addralign: s.align,
		}})
	}

	// Symbol table: locals first (including the synthetic section
	// symbols), then globals, per ELF convention (sh_info records the
	// first global's index).
	var symBuf bytes.Buffer
	writeSym := func(s outSymbol) {
		nameIdx := uint32(0)
		if s.name != "" {
			nameIdx = strtab.add(s.name)
		}
		var shndx uint16
		switch {
		case s.section != noSection:
			shndx = uint16(secShIdx[s.section])
		case s.kind == objread.SymAbsolute:
			shndx = uint16(elf.SHN_ABS)
		case s.kind == objread.SymBSS:
			shndx = uint16(elf.SHN_COMMON)
		default:
			shndx = uint16(elf.SHN_UNDEF)
		}
		sym := elf.Sym64{Name: nameIdx, Info: s.info, Other: s.other, Shndx: shndx, Value: b.resolveSymAddr(s), Size: s.size}
		binary.Write(&symBuf, binary.LittleEndian, sym)
	}
	var null elf.Sym64
	binary.Write(&symBuf, binary.LittleEndian, null)

	symOutIdx := make([]uint32, len(b.symbols))
	firstGlobal := uint32(1)
	idx := uint32(1)
	for i, s := range b.symbols {
		if s.info>>4 == uint8(elf.STB_LOCAL) {
			symOutIdx[i] = idx
			writeSym(s)
			idx++
		}
	}
	firstGlobal = idx
	for i, s := range b.symbols {
		if s.info>>4 != uint8(elf.STB_LOCAL) {
			symOutIdx[i] = idx
			writeSym(s)
			idx++
		}
	}

	// Relocation (RELA) sections: one per output section that has any,
	// named ".rela" + the target section's name, in output section order.
	type relaSec struct {
		targetShIdx int
		name        uint32
		data        []byte
	}
	var relaSecs []relaSec
	for i := range b.sections {
		outID := OutputSectionId(i)
		rs := b.relocs[outID]
		if len(rs) == 0 {
			continue
		}
		var buf bytes.Buffer
		for _, r := range rs {
			rela := elf.Rela64{
				Off:    r.offset,
				Info:   uint64(symOutIdx[r.symbol])<<32 | uint64(r.typ),
				Addend: r.addend,
			}
			binary.Write(&buf, binary.LittleEndian, rela)
		}
		relaSecs = append(relaSecs, relaSec{
			targetShIdx: secShIdx[outID],
			name:        shstrtab.add(".rela" + b.sections[outID].name),
			data:        buf.Bytes(),
		})
	}

	symtabName := shstrtab.add(".symtab")
	strtabName := shstrtab.add(".strtab")
	shstrtabName := shstrtab.add(".shstrtab")

	symtabShIdx := len(shdrs)
	strtabShIdx := symtabShIdx + 1
	relaShIdxBase := strtabShIdx + 1
	shstrtabShIdx := relaShIdxBase + len(relaSecs)

	// Lay out the remaining sections' content after the already-placed
	// output sections.
	place := func(data []byte, align uint64) uint64 {
		if rem := fileOff % align; align > 1 && rem != 0 {
			pad := align - rem
			content.Write(make([]byte, pad))
			fileOff += pad
		}
		off := fileOff
		content.Write(data)
		fileOff += uint64(len(data))
		return off
	}

	symtabOff := place(symBuf.Bytes(), 8)
	strtabOff := place(strtab.bytes(), 1)
	relaOffs := make([]uint64, len(relaSecs))
	for i, rs := range relaSecs {
		relaOffs[i] = place(rs.data, 8)
	}
	shstrtabOff := place(shstrtab.bytes(), 1)

	shdrs = append(shdrs, secHdr{elf.Section64{
		Name: symtabName, Type: uint32(elf.SHT_SYMTAB), Off: symtabOff, Size: uint64(symBuf.Len()),
		Link: uint32(strtabShIdx), Info: firstGlobal, Addralign: 8, Entsize: elf.Sym64Size,
	}})
	shdrs = append(shdrs, secHdr{elf.Section64{
		Name: strtabName, Type: uint32(elf.SHT_STRTAB), Off: strtabOff, Size: uint64(len(strtab.bytes())), Addralign: 1,
	}})
	for i, rs := range relaSecs {
		shdrs = append(shdrs, secHdr{elf.Section64{
			Name: rs.name, Type: uint32(elf.SHT_RELA), Off: relaOffs[i], Size: uint64(len(rs.data)),
			Link: uint32(symtabShIdx), Info: uint32(rs.targetShIdx), Addralign: 8, Entsize: elf.Rela64Size,
		}})
	}
	shdrs = append(shdrs, secHdr{elf.Section64{
		Name: shstrtabName, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint64(len(shstrtab.bytes())), Addralign: 1,
	}})

	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:      uint16(elfType(b.relocat)),
		Machine:   uint16(elf.EM_RISCV),
		Version:   1,
		Entry:     b.entry,
		Phoff:     phOffOrZero(ehsize, len(phdrs)),
		Shoff:     fileOff,
		Flags:     b.flags,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(phdrs)),
		Shentsize: 64,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  uint16(shstrtabShIdx),
	}

	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for _, p := range phdrs {
		if err := binary.Write(w, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	if _, err := w.Write(content.Bytes()); err != nil {
		return err
	}
	for _, s := range shdrs {
		if err := binary.Write(w, binary.LittleEndian, s.Section64); err != nil {
			return err
		}
	}
	return nil
}

func phOffOrZero(off uint64, n int) uint64 {
	if n == 0 {
		return 0
	}
	return off
}

func elfType(relocatable bool) elf.Type {
	if relocatable {
		return elf.ET_REL
	}
	return elf.ET_EXEC
}

// loadRange returns the [lo, hi) virtual address range spanned by all
// allocatable sections, for building the single PT_LOAD segment.
func (b *Builder) loadRange() (lo, hi uint64, ok bool) {
	for _, s := range b.sections {
		if s.flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		end := s.addr + s.size
		if !ok || s.addr < lo {
			lo = s.addr
		}
		if end > hi {
			hi = end
		}
		ok = true
	}
	return lo, hi, ok
}

type strWriter struct {
	buf  []byte
	seen map[string]uint32
}

func newStrWriter() *strWriter {
	return &strWriter{buf: []byte{0}, seen: make(map[string]uint32)}
}

func (s *strWriter) add(str string) uint32 {
	if str == "" {
		return 0
	}
	if off, ok := s.seen[str]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, str...)
	s.buf = append(s.buf, 0)
	s.seen[str] = off
	return off
}

func (s *strWriter) bytes() []byte { return s.buf }
