// Package search implements the path resolver: it turns a bare filename
// into a path to an existing file by checking the name as-is and then a set of
// registered search directories, the way a Unix linker's -L handling
// does.
package search

import (
	"os"
	"path/filepath"
)

// Paths is a set of directories to search for input files.
//
// The zero value is an empty set, ready to use.
type Paths struct {
	dirs map[string]struct{}
}

// Add records dir as a search directory. If dir does not exist or is not
// a directory at the time of the call, it is silently discarded: this
// matches the behavior of a linker encountering a stale -L argument.
func (p *Paths) Add(dir string) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	if p.dirs == nil {
		p.dirs = make(map[string]struct{})
	}
	p.dirs[dir] = struct{}{}
}

// Find resolves name to the path of an existing regular file. If name
// is itself an existing regular file, that path is returned unchanged
// (it is not made absolute). Otherwise each registered directory is
// checked for name as an immediate child and the first match, joined
// onto its directory, wins. Find returns false if name can't be resolved.
//
// Directory iteration order is not significant: spec.md does not define
// a tie-break between multiple search directories containing the same
// name, so the first encountered in map iteration is used.
func (p *Paths) Find(name string) (string, bool) {
	if isRegularFile(name) {
		return name, true
	}
	for dir := range p.dirs {
		candidate := filepath.Join(dir, name)
		if isRegularFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
