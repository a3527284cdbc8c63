package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	r, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "a.out", r.Output)
	assert.Empty(t, r.ScriptPath)
	assert.Empty(t, r.Stream)
}

func TestParseOutputAndScript(t *testing.T) {
	r, err := Parse([]string{"-o", "out.elf", "-T", "link.toml", "a.o"})
	require.NoError(t, err)
	assert.Equal(t, "out.elf", r.Output)
	assert.Equal(t, "link.toml", r.ScriptPath)
	require.Len(t, r.Stream, 1)
	assert.Equal(t, ItemFile, r.Stream[0].Kind)
	assert.Equal(t, "a.o", r.Stream[0].Path)
}

func TestParseSearchPathAndFlavor(t *testing.T) {
	r, err := Parse([]string{"-L", "/opt/lib", "-flavor", "gnu", "b.o"})
	require.NoError(t, err)
	require.Len(t, r.Stream, 2)
	assert.Equal(t, ItemSearchPath, r.Stream[0].Kind)
	assert.Equal(t, "/opt/lib", r.Stream[0].Path)
	assert.Equal(t, ItemFile, r.Stream[1].Kind)
}

func TestParseUnsupportedFlavorIsFatal(t *testing.T) {
	_, err := Parse([]string{"-flavor", "msvc"})
	assert.Error(t, err)
}

func TestParseGroupBracketsFiles(t *testing.T) {
	r, err := Parse([]string{"x.o", "--start-group", "a.o", "b.o", "--end-group", "y.o"})
	require.NoError(t, err)
	require.Len(t, r.Stream, 3)
	assert.Equal(t, ItemFile, r.Stream[0].Kind)
	assert.Equal(t, "x.o", r.Stream[0].Path)
	assert.Equal(t, ItemGroup, r.Stream[1].Kind)
	assert.Equal(t, []string{"a.o", "b.o"}, r.Stream[1].Files)
	assert.Equal(t, ItemFile, r.Stream[2].Kind)
	assert.Equal(t, "y.o", r.Stream[2].Path)
}

func TestParseIgnoredSwitchesAreSkipped(t *testing.T) {
	r, err := Parse([]string{"--gc-sections", "-Bstatic", "a.o", "-znoexecstack"})
	require.NoError(t, err)
	require.Len(t, r.Stream, 1)
	assert.Equal(t, "a.o", r.Stream[0].Path)
}

func TestParseHelpAndVersion(t *testing.T) {
	r, err := Parse([]string{"--help"})
	require.NoError(t, err)
	assert.True(t, r.Help)

	r, err = Parse([]string{"--version"})
	require.NoError(t, err)
	assert.True(t, r.Version)
}

func TestParseDanglingSwitchIsFatal(t *testing.T) {
	_, err := Parse([]string{"-L"})
	assert.Error(t, err)
	_, err = Parse([]string{"-o"})
	assert.Error(t, err)
	_, err = Parse([]string{"-T"})
	assert.Error(t, err)
}

func TestParseSwitchInsideGroupIsSwallowedNotCommitted(t *testing.T) {
	// A recognized switch appearing mid-group (here -L, which would
	// normally start an ExpectSearchPath transition) must not break
	// group tracking or consume the following token as its argument:
	// cmd.rs's WaitingForGroupEnd arm swallows it and stays in the
	// group, and so must Parse. The following bare token is therefore
	// an ordinary group member.
	r, err := Parse([]string{"--start-group", "a.o", "-L", "/opt/lib", "b.o", "--end-group"})
	require.NoError(t, err)
	require.Len(t, r.Stream, 1)
	assert.Equal(t, ItemGroup, r.Stream[0].Kind)
	assert.Equal(t, []string{"a.o", "/opt/lib", "b.o"}, r.Stream[0].Files, "-L must be swallowed, not added to the group or given /opt/lib")
}

func TestFilesFlattensGroups(t *testing.T) {
	r, err := Parse([]string{"x.o", "--start-group", "a.o", "b.o", "--end-group", "y.o"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x.o", "a.o", "b.o", "y.o"}, r.Files())
}
