package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diodesign/itsylinker/cli"
)

// minimalObject builds the smallest valid RV64 ET_REL object: one
// .text section (16 zero bytes) and a single global symbol _start at
// offset 0, matching spec.md's Scenario A.
func minimalObject(t *testing.T) []byte {
	t.Helper()

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	textNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".text\x00")
	symtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".symtab\x00")
	strtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".strtab\x00")
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab\x00")

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	startNameOff := uint32(strtab.Len())
	strtab.WriteString("_start\x00")

	textData := make([]byte, 16)

	var symtab bytes.Buffer
	require.NoError(t, binary.Write(&symtab, binary.LittleEndian, elf.Sym64{}))
	require.NoError(t, binary.Write(&symtab, binary.LittleEndian, elf.Sym64{
		Name:  startNameOff,
		Info:  uint8(elf.STB_GLOBAL)<<4 | uint8(elf.STT_FUNC),
		Shndx: 1,
		Value: 0,
		Size:  16,
	}))

	const ehsize = 64
	off := uint64(ehsize)

	textOff := off
	off += uint64(len(textData))
	symtabOff := off
	off += uint64(symtab.Len())
	strtabOff := off
	off += uint64(strtab.Len())
	shstrtabOff := off
	off += uint64(shstrtab.Len())

	shOff := off

	var buf bytes.Buffer
	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1},
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_RISCV),
		Version:   1,
		Shoff:     shOff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     5,
		Shstrndx:  4,
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))
	buf.Write(textData)
	buf.Write(symtab.Bytes())
	buf.Write(strtab.Bytes())
	buf.Write(shstrtab.Bytes())

	writeShdr := func(sh elf.Section64) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, sh))
	}
	writeShdr(elf.Section64{})
	writeShdr(elf.Section64{
		Name: textNameOff, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
		Off: textOff, Size: uint64(len(textData)), Addralign: 1,
	})
	writeShdr(elf.Section64{
		Name: symtabNameOff, Type: uint32(elf.SHT_SYMTAB), Off: symtabOff, Size: uint64(symtab.Len()),
		Link: 3, Info: 1, Entsize: elf.Sym64Size, Addralign: 8,
	})
	writeShdr(elf.Section64{
		Name: strtabNameOff, Type: uint32(elf.SHT_STRTAB), Off: strtabOff, Size: uint64(strtab.Len()), Addralign: 1,
	})
	writeShdr(elf.Section64{
		Name: shstrtabNameOff, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: uint64(shstrtab.Len()), Addralign: 1,
	})

	return buf.Bytes()
}

func TestLinkMinimalObject(t *testing.T) {
	dir := t.TempDir()

	objPath := filepath.Join(dir, "a.o")
	require.NoError(t, os.WriteFile(objPath, minimalObject(t), 0o644))

	scriptPath := filepath.Join(dir, "link.toml")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`
[output]
entry = "_start"
relocatable = false

[section.text]
include = [".text*"]
`), 0o644))

	outPath := filepath.Join(dir, "out.elf")

	ctx := NewContext(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	stream := []cli.StreamItem{{Kind: cli.ItemFile, Path: objPath}}

	err := Link(ctx, stream, scriptPath, outPath)
	require.NoError(t, err)

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)

	ef, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.NotNil(t, ef.Section(".text"))

	data, err := ef.Section(".text").Data()
	require.NoError(t, err)
	require.Len(t, data, 16)
}

func TestLinkMissingScriptIsUsageError(t *testing.T) {
	ctx := NewContext(nil)
	err := Link(ctx, nil, "", "out.elf")
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, UsageError, fe.Tag)
}

func TestLinkUnresolvedInputIsIOError(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "link.toml")
	require.NoError(t, os.WriteFile(scriptPath, []byte("[output]\n"), 0o644))

	ctx := NewContext(nil)
	stream := []cli.StreamItem{{Kind: cli.ItemFile, Path: "does-not-exist.o"}}
	err := Link(ctx, stream, scriptPath, filepath.Join(dir, "out.elf"))
	require.Error(t, err)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, IOError, fe.Tag)
}
