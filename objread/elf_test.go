// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package objread

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/diodesign/itsylinker/arch"
)

// strTab is a minimal ELF string table builder used only by these tests.
type strTab struct {
	buf []byte
}

func newStrTab() *strTab {
	return &strTab{buf: []byte{0}}
}

func (t *strTab) add(s string) uint32 {
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	return off
}

// Section indices of the synthetic object built by buildRiscvObject.
const (
	shNull = iota
	shText
	shRelaText
	shData
	shBss
	shSymtab
	shStrtab
	shShstrtab
	shCount
)

// Symbol indices of the synthetic object built by buildRiscvObject.
const (
	symNull = iota
	symSecText
	symSecData
	symSecBss
	symMain
	symDataStart
	symGvar
	symExtfn
	nLocalSyms = symMain
)

var testTextData = []byte{0x13, 0x00, 0x00, 0x00, 0x13, 0x01, 0x01, 0x00}
var testDataData = []byte{0x2a, 0x00, 0x00, 0x00}

const testBssSize = 8

// buildRiscvObject assembles a minimal RV64 ET_REL ELF object by hand,
// using debug/elf's wire-format structs so the layout matches what a
// real riscv64 toolchain emits: a .text with one relocation against a
// BSS symbol, a .data section, and a .bss section.
func buildRiscvObject(t *testing.T) []byte {
	t.Helper()

	shstrtab := newStrTab()
	nameText := shstrtab.add(".text")
	nameRelaText := shstrtab.add(".rela.text")
	nameData := shstrtab.add(".data")
	nameBss := shstrtab.add(".bss")
	nameSymtab := shstrtab.add(".symtab")
	nameStrtab := shstrtab.add(".strtab")
	nameShstrtab := shstrtab.add(".shstrtab")

	strtab := newStrTab()
	nameMain := strtab.add("main")
	nameDataStart := strtab.add("data_start")
	nameGvar := strtab.add("gvar")
	nameExtfn := strtab.add("extfn")

	symInfo := func(bind, typ int) uint8 {
		return uint8(bind<<4 | typ)
	}

	syms := []elf.Sym64{
		symNull:      {},
		symSecText:   {Info: symInfo(int(elf.STB_LOCAL), int(elf.STT_SECTION)), Shndx: shText},
		symSecData:   {Info: symInfo(int(elf.STB_LOCAL), int(elf.STT_SECTION)), Shndx: shData},
		symSecBss:    {Info: symInfo(int(elf.STB_LOCAL), int(elf.STT_SECTION)), Shndx: shBss},
		symMain:      {Name: nameMain, Info: symInfo(int(elf.STB_GLOBAL), int(elf.STT_FUNC)), Shndx: shText, Value: 0, Size: uint64(len(testTextData))},
		symDataStart: {Name: nameDataStart, Info: symInfo(int(elf.STB_GLOBAL), int(elf.STT_OBJECT)), Shndx: shData, Value: 0, Size: 0},
		symGvar:      {Name: nameGvar, Info: symInfo(int(elf.STB_GLOBAL), int(elf.STT_OBJECT)), Shndx: shBss, Value: 0, Size: testBssSize},
		symExtfn:     {Name: nameExtfn, Info: symInfo(int(elf.STB_GLOBAL), int(elf.STT_NOTYPE)), Shndx: uint16(elf.SHN_UNDEF)},
	}
	var symtabBuf bytes.Buffer
	for _, s := range syms {
		binary.Write(&symtabBuf, binary.LittleEndian, s)
	}

	relas := []elf.Rela64{
		{Off: 0, Info: uint64(symGvar)<<32 | uint64(elf.R_RISCV_64), Addend: 0},
	}
	var relaBuf bytes.Buffer
	for _, r := range relas {
		binary.Write(&relaBuf, binary.LittleEndian, r)
	}

	// Lay out section content in file order, starting right after the
	// 64-byte ELF header.
	const ehsize = 64
	type block struct {
		off  uint64
		data []byte
	}
	var blocks []block
	off := uint64(ehsize)
	add := func(data []byte) uint64 {
		start := off
		blocks = append(blocks, block{start, data})
		off += uint64(len(data))
		return start
	}
	textOff := add(testTextData)
	relaTextOff := add(relaBuf.Bytes())
	dataOff := add(testDataData)
	symtabOff := add(symtabBuf.Bytes())
	strtabOff := add(strtab.buf)
	shstrtabOff := add(shstrtab.buf)
	shoff := off

	shdrs := make([]elf.Section64, shCount)
	shdrs[shNull] = elf.Section64{}
	shdrs[shText] = elf.Section64{
		Name: nameText, Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Off:   textOff, Size: uint64(len(testTextData)), Addralign: 4,
	}
	shdrs[shRelaText] = elf.Section64{
		Name: nameRelaText, Type: uint32(elf.SHT_RELA),
		Off: relaTextOff, Size: uint64(relaBuf.Len()),
		Link: shSymtab, Info: shText, Entsize: 24, Addralign: 8,
	}
	shdrs[shData] = elf.Section64{
		Name: nameData, Type: uint32(elf.SHT_PROGBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
		Off:   dataOff, Size: uint64(len(testDataData)), Addralign: 4,
	}
	shdrs[shBss] = elf.Section64{
		Name: nameBss, Type: uint32(elf.SHT_NOBITS),
		Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
		Off:   dataOff + uint64(len(testDataData)), Size: testBssSize, Addralign: 8,
	}
	shdrs[shSymtab] = elf.Section64{
		Name: nameSymtab, Type: uint32(elf.SHT_SYMTAB),
		Off: symtabOff, Size: uint64(symtabBuf.Len()),
		Link: shStrtab, Info: nLocalSyms, Entsize: 24, Addralign: 8,
	}
	shdrs[shStrtab] = elf.Section64{
		Name: nameStrtab, Type: uint32(elf.SHT_STRTAB),
		Off: strtabOff, Size: uint64(len(strtab.buf)), Addralign: 1,
	}
	shdrs[shShstrtab] = elf.Section64{
		Name: nameShstrtab, Type: uint32(elf.SHT_STRTAB),
		Off: shstrtabOff, Size: uint64(len(shstrtab.buf)), Addralign: 1,
	}

	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     shCount,
		Shstrndx:  shShstrtab,
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	for _, b := range blocks {
		out.Write(b.data)
	}
	for _, sh := range shdrs {
		binary.Write(&out, binary.LittleEndian, sh)
	}
	return out.Bytes()
}

func TestOpenRiscvObject(t *testing.T) {
	raw := buildRiscvObject(t)
	f, err := Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	info := f.Info()
	if info.Arch != arch.RISCV64 {
		t.Errorf("want architecture %s, got %s", arch.RISCV64, info.Arch)
	}
}

func TestOpenNonRiscv(t *testing.T) {
	raw := buildRiscvObject(t)
	// Flip the machine field to something itsylinker doesn't link.
	binary.LittleEndian.PutUint16(raw[18:20], uint16(elf.EM_X86_64))
	_, err := Open(bytes.NewReader(raw))
	if err == nil {
		t.Fatalf("Open succeeded unexpectedly for a non-RISC-V object")
	}
}

func TestOpenRejects32Bit(t *testing.T) {
	raw := buildRiscvObject(t)
	// Flip EI_CLASS (byte 4 of e_ident) from ELFCLASS64 to ELFCLASS32.
	// EM_RISCV is shared by RV32 and RV64, so only the class bit tells
	// them apart.
	raw[4] = byte(elf.ELFCLASS32)
	_, err := Open(bytes.NewReader(raw))
	if err == nil {
		t.Fatalf("Open succeeded unexpectedly for a 32-bit RISC-V object")
	}
}

func TestElfOpenCorrupted(t *testing.T) {
	t.Parallel()
	// A corrupted ELF file should still be detected as ELF, rather than
	// being rejected as an unknown format.
	ident := [16]byte{'\x7f', 'E', 'L', 'F', 42}
	f := bytes.NewReader(ident[:])
	_, err := Open(f)
	if err == nil {
		t.Fatalf("Open succeeded unexpectedly")
	}
}

func TestElfSections(t *testing.T) {
	raw := buildRiscvObject(t)
	f, err := Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	sections := f.Sections()
	byName := make(map[string]*Section)
	for _, s := range sections {
		byName[s.Name] = s
	}

	text := byName[".text"]
	if text == nil {
		t.Fatal("missing .text section")
	}
	data, err := text.Data(text.Bounds())
	if err != nil {
		t.Fatalf("reading .text data: %v", err)
	}
	if !bytes.Equal(data.P, testTextData) {
		t.Errorf(".text data: want %x, got %x", testTextData, data.P)
	}
	if len(data.R) != 1 {
		t.Fatalf(".text relocations: want 1, got %d", len(data.R))
	}
	reloc := data.R[0]
	if reloc.Type.String() != "R_RISCV_64" {
		t.Errorf("relocation type: want R_RISCV_64, got %s", reloc.Type)
	}
	if got := f.Sym(reloc.Symbol).Name; got != "gvar" {
		t.Errorf("relocation symbol: want gvar, got %s", got)
	}

	bss := byName[".bss"]
	if bss == nil {
		t.Fatal("missing .bss section")
	}
	bssData, err := bss.Data(bss.Bounds())
	if err != nil {
		t.Fatalf("reading .bss data: %v", err)
	}
	if uint64(len(bssData.P)) != testBssSize {
		t.Errorf(".bss data length: want %d, got %d", testBssSize, len(bssData.P))
	}
	for i, b := range bssData.P {
		if b != 0 {
			t.Errorf(".bss byte %d is not zero", i)
		}
	}
}
