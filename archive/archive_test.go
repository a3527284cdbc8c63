package archive

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// header formats one 60-byte ar member header. Real ar writers right-pad
// numeric fields with spaces and name fields with spaces or a trailing
// slash; this mirrors that for both GNU-style plain and long names.
func header(name string, size int) string {
	h := fmt.Sprintf("%-16s%-12s%-6s%-6s%-8s%-10d`\n", name, "0", "0", "0", "100644", size)
	if len(h) != headerSize {
		panic(fmt.Sprintf("bad header length %d for %q", len(h), name))
	}
	return h
}

func pad(body string) string {
	if len(body)%2 != 0 {
		body += "\n"
	}
	return body
}

func buildArchive(members map[string]string, order []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	for _, name := range order {
		body := members[name]
		buf.WriteString(header(name+"/", len(body)))
		buf.WriteString(pad(body))
	}
	return buf.Bytes()
}

func TestParseSimpleArchive(t *testing.T) {
	members := map[string]string{
		"a.o": "AAAA",
		"b.o": "BB",
	}
	order := []string{"a.o", "b.o"}
	raw := buildArchive(members, order)

	got, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, got, 2)

	for i, name := range order {
		assert.Equal(t, name, got[i].Name)
		body := members[name]
		assert.Equal(t, int64(len(body)), got[i].Size)
		assert.Equal(t, body, string(raw[got[i].Offset:got[i].Offset+got[i].Size]))
	}
}

func TestParseLongNames(t *testing.T) {
	longName := "a_very_long_member_name_that_does_not_fit_in_sixteen_bytes.o"
	longTable := longName + "/\n"

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteString(header("//", len(longTable)))
	buf.WriteString(pad(longTable))
	buf.WriteString(header("/0", 4))
	buf.WriteString(pad("CAFE"))

	got, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, longName, got[0].Name)
}

func TestParseSkipsSymbolTable(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteString(header("/", 4))
	buf.WriteString(pad("SYMS"))
	buf.WriteString(header("only.o", 2))
	buf.WriteString(pad("OK"))

	got, err := Parse(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "only.o", got[0].Name)
}

func TestParseBadMagic(t *testing.T) {
	_, err := Parse([]byte("not an archive at all"))
	assert.Error(t, err)
}

func TestParseTruncatedHeader(t *testing.T) {
	raw := append([]byte(magic), []byte("short")...)
	_, err := Parse(raw)
	assert.Error(t, err)
}
