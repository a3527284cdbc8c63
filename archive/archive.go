// Package archive reads the Unix ar archive format used by .rlib
// static-library files: a "!<arch>\n" magic followed by a sequence of
// fixed-size member headers, each immediately followed by that member's
// data.
//
// No archive-format library appears anywhere in the example corpus (see
// DESIGN.md), so this is a small from-scratch reader modeled on the
// format itself rather than on any example file.
package archive

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	magic      = "!<arch>\n"
	headerSize = 60
)

// Member is one entry of an archive: a name and the byte range of its
// data within the archive file.
type Member struct {
	Name   string
	Offset int64
	Size   int64
}

// Parse reads the member table of an ar archive held in data. It
// returns the members in archive order. Member data is not copied or
// validated here; callers use Offset/Size to carve out a sub-range of
// the backing mapping.
//
// Parse understands the GNU extension for names longer than 16 bytes
// (the "//" long-name table) and skips the GNU/BSD symbol-table members
// ("/" and "/SYM64/"), which carry no linkable content.
func Parse(data []byte) ([]Member, error) {
	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("not an ar archive: bad magic")
	}

	var longNames string
	var members []Member

	off := int64(len(magic))
	for off < int64(len(data)) {
		if off+headerSize > int64(len(data)) {
			return nil, fmt.Errorf("truncated archive member header at offset %d", off)
		}
		hdr := data[off : off+headerSize]
		if string(hdr[58:60]) != "`\n" {
			return nil, fmt.Errorf("bad archive member header terminator at offset %d", off)
		}

		rawName := strings.TrimRight(string(hdr[0:16]), " ")
		sizeField := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad member size %q at offset %d: %w", sizeField, off, err)
		}

		dataOff := off + headerSize

		switch {
		case rawName == "//":
			// GNU extended filename table: a block of NUL- or
			// newline-terminated names, referenced by later members as
			// "/<offset-into-this-table>".
			longNames = string(data[dataOff : dataOff+size])
		case rawName == "/" || rawName == "/SYM64/":
			// Symbol lookup table; not a linkable member.
		default:
			name, err := resolveName(rawName, longNames)
			if err != nil {
				return nil, err
			}
			members = append(members, Member{Name: name, Offset: dataOff, Size: size})
		}

		// Member data is padded to an even offset.
		next := dataOff + size
		if next%2 != 0 {
			next++
		}
		off = next
	}

	return members, nil
}

// resolveName turns a raw 16-byte header name field into a final member
// name, following either the GNU "name/" convention or the "/<offset>"
// long-name indirection.
func resolveName(raw, longNames string) (string, error) {
	if strings.HasPrefix(raw, "/") {
		offStr := raw[1:]
		n, err := strconv.Atoi(offStr)
		if err != nil {
			return "", fmt.Errorf("bad long-name reference %q: %w", raw, err)
		}
		if n < 0 || n >= len(longNames) {
			return "", fmt.Errorf("long-name offset %d out of range", n)
		}
		end := strings.IndexAny(longNames[n:], "/\n")
		if end < 0 {
			return strings.TrimRight(longNames[n:], "\x00"), nil
		}
		return longNames[n : n+end], nil
	}
	return strings.TrimSuffix(raw, "/"), nil
}
