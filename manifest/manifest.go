// Package manifest builds the FileIdentifier → Mapping table that
// everything downstream of the driver operates on: it memory-maps each
// resolved input file and, for archives, recursively explodes members
// into synthetic identifiers so every linkable object is addressable as
// a single contiguous byte range.
package manifest

import (
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/exp/mmap"

	"github.com/diodesign/itsylinker/archive"
	"github.com/diodesign/itsylinker/objread"
)

// FileIdentifier is a pseudo-path: a path whose components may descend
// into archive members, e.g. "libfoo.rlib/bar.o".
type FileIdentifier string

// Mapping is a read-only byte range backing one linkable object. It may
// be a whole mapped file or a sub-range of one (an archive member).
type Mapping struct {
	r io.ReaderAt
}

// ReaderAt exposes the mapping for object parsing.
func (m Mapping) ReaderAt() io.ReaderAt { return m.r }

// Manifest is the FileIdentifier → Mapping table built from the
// driver's resolved input paths.
type Manifest struct {
	entries map[FileIdentifier]Mapping
	order   []FileIdentifier
	backing []*mmap.ReaderAt
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{entries: make(map[FileIdentifier]Mapping)}
}

// Close releases every backing memory mapping. Callers should defer
// this once the link is complete.
func (m *Manifest) Close() {
	for _, b := range m.backing {
		b.Close()
	}
}

// Get returns the mapping recorded for id, if any.
func (m *Manifest) Get(id FileIdentifier) (Mapping, bool) {
	v, ok := m.entries[id]
	return v, ok
}

// All returns every (id, mapping) pair in manifest order: the order
// objects were first added. An archive has no entry of its own; its
// members appear, in archive order, at the point the archive was added.
func (m *Manifest) All() []struct {
	ID      FileIdentifier
	Mapping Mapping
} {
	out := make([]struct {
		ID      FileIdentifier
		Mapping Mapping
	}, len(m.order))
	for i, id := range m.order {
		out[i] = struct {
			ID      FileIdentifier
			Mapping Mapping
		}{id, m.entries[id]}
	}
	return out
}

func (m *Manifest) insert(id FileIdentifier, r io.ReaderAt) {
	if _, exists := m.entries[id]; !exists {
		m.order = append(m.order, id)
	}
	m.entries[id] = Mapping{r: r}
}

// Add maps filePath in full and dispatches on its extension: ".o" is
// added directly as an object, ".rlib" is expanded as an archive,
// ".rmeta" is skipped silently, and anything else is a fatal error.
func (m *Manifest) Add(filePath string) error {
	r, err := mmap.Open(filePath)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", filePath, err)
	}
	m.backing = append(m.backing, r)
	return m.dispatch(FileIdentifier(filePath), r, r.Len())
}

// dispatch routes id to the handler appropriate for its extension. id's
// extension is taken from its final pseudo-path component so that
// archive members (e.g. "libfoo.rlib/bar.o") are typed by their own
// suffix, not the archive's.
func (m *Manifest) dispatch(id FileIdentifier, r io.ReaderAt, size int) error {
	switch ext := path.Ext(string(id)); ext {
	case ".o":
		return m.addObject(id, r)
	case ".rlib":
		return m.expandArchive(id, r, size)
	case ".rmeta":
		return nil
	default:
		return fmt.Errorf("unrecognized file %s", id)
	}
}

// addObject decodes r as an ELF/RV64 object and records it under id.
// Decoding failures are fatal; the parsed view itself is not retained,
// only the mapping, since it is cheap to re-derive on demand.
func (m *Manifest) addObject(id FileIdentifier, r io.ReaderAt) error {
	f, err := objread.Open(r)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	f.Close()
	m.insert(id, r)
	return nil
}

// expandArchive parses r as an ar archive of size bytes and recursively
// dispatches each member under a child pseudo-path formed by appending
// the member name to id.
func (m *Manifest) expandArchive(id FileIdentifier, r io.ReaderAt, size int) error {
	raw := make([]byte, size)
	if _, err := r.ReadAt(raw, 0); err != nil && err != io.EOF {
		return fmt.Errorf("reading archive %s: %w", id, err)
	}

	members, err := archive.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing archive %s: %w", id, err)
	}

	for _, mem := range members {
		childID := FileIdentifier(strings.TrimSuffix(string(id), "/") + "/" + mem.Name)
		sub := io.NewSectionReader(r, mem.Offset, mem.Size)
		if err := m.dispatch(childID, sub, int(mem.Size)); err != nil {
			return err
		}
	}
	return nil
}
