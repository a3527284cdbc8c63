// Package cli implements the driver's argument-stream parser: a small
// state machine that walks the raw command-line tokens and turns them
// into an ordered InputStream of files, search paths, and groups, plus
// the output path and link-script path switches. It deliberately does
// not use a flag-parsing library for the token stream itself, since the
// switches interleave with bare filenames and group brackets in a way
// ordinary flag parsers don't model; see the state table below.
package cli

import "fmt"

// ItemKind distinguishes the three shapes a StreamItem can take.
type ItemKind int

const (
	ItemFile ItemKind = iota
	ItemSearchPath
	ItemGroup
)

// StreamItem is one element of the ordered InputStream the driver
// consumes: a bare file, a -L search directory, or a --start-group /
// --end-group bracket of files.
type StreamItem struct {
	Kind  ItemKind
	Path  string   // valid for ItemFile and ItemSearchPath
	Files []string // valid for ItemGroup, in listed order
}

// state is one of the six states the switch table above drives.
type state int

const (
	stateAny state = iota
	stateExpectSearchPath
	stateExpectOutputFile
	stateExpectConfigFile
	stateExpectFlavor
	stateInGroup
)

// Result is the parsed form of a command line.
type Result struct {
	Stream     []StreamItem
	Output     string // default "a.out"
	ScriptPath string // empty if -T was never given

	// Help and Version record whether --help/--version appeared
	// anywhere in the token stream. The command prints a usage line
	// for --help or a version line for --version, and exits nonzero
	// rather than proceeding with a link.
	Help    bool
	Version bool
}

const defaultOutput = "a.out"

// switches accepted and silently ignored wherever they appear.
var ignoredSwitches = map[string]bool{
	"--gc-sections":   true,
	"-Bstatic":        true,
	"-Bdynamic":       true,
	"--as-needed":     true,
	"--no-add-needed": true,
	"-znoexecstack":   true,
}

// controlSwitches are every token Parse recognizes as a switch rather
// than a bare filename. Used only to decide, while inGroup, whether a
// token should be swallowed instead of added to the group — see the
// stateInGroup handling in Parse.
var controlSwitches = map[string]bool{
	"-L": true, "-o": true, "-T": true, "-flavor": true,
	"--start-group": true, "--end-group": true,
	"--help": true, "--version": true,
}

// Parse walks args and returns the parsed Result. Any switch that
// expects an argument but doesn't get one, or an unsupported -flavor
// value, is a usage error.
func Parse(args []string) (*Result, error) {
	r := &Result{Output: defaultOutput}
	st := stateAny
	var group []string

	for _, tok := range args {
		switch st {
		case stateExpectSearchPath:
			r.Stream = append(r.Stream, StreamItem{Kind: ItemSearchPath, Path: tok})
			st = stateAny
			continue
		case stateExpectOutputFile:
			r.Output = tok
			st = stateAny
			continue
		case stateExpectConfigFile:
			r.ScriptPath = tok
			st = stateAny
			continue
		case stateExpectFlavor:
			if tok != "gnu" {
				return nil, fmt.Errorf("unsupported -flavor %q (only \"gnu\" is accepted)", tok)
			}
			st = stateAny
			continue
		}

		if st == stateInGroup {
			// Inside a group, only --end-group changes state. Every
			// other recognized switch (and every ignored switch) is
			// silently swallowed rather than breaking group tracking —
			// this matches cmd.rs's WaitingForGroupEnd match arm, whose
			// catch-all `(_, _) => ()` leaves state and group untouched
			// for any token that isn't a bare filename or --end-group.
			if tok == "--end-group" {
				r.Stream = append(r.Stream, StreamItem{Kind: ItemGroup, Files: group})
				group = nil
				st = stateAny
				continue
			}
			if tok == "--help" {
				r.Help = true
				continue
			}
			if tok == "--version" {
				r.Version = true
				continue
			}
			if controlSwitches[tok] || ignoredSwitches[tok] {
				continue
			}
			group = append(group, tok)
			continue
		}

		switch tok {
		case "-L":
			st = stateExpectSearchPath
		case "-o":
			st = stateExpectOutputFile
		case "-T":
			st = stateExpectConfigFile
		case "-flavor":
			st = stateExpectFlavor
		case "--start-group":
			st = stateInGroup
			group = nil
		case "--end-group":
			// --end-group with no matching --start-group: treat the
			// (empty) group as committed, matching the "consuming the
			// expected token returns to Any" rule literally.
			r.Stream = append(r.Stream, StreamItem{Kind: ItemGroup, Files: group})
			group = nil
		case "--help":
			r.Help = true
		case "--version":
			r.Version = true
		default:
			if ignoredSwitches[tok] {
				continue
			}
			r.Stream = append(r.Stream, StreamItem{Kind: ItemFile, Path: tok})
		}
	}

	switch st {
	case stateExpectSearchPath:
		return nil, fmt.Errorf("-L requires a directory argument")
	case stateExpectOutputFile:
		return nil, fmt.Errorf("-o requires a path argument")
	case stateExpectConfigFile:
		return nil, fmt.Errorf("-T requires a path argument")
	case stateExpectFlavor:
		return nil, fmt.Errorf("-flavor requires an argument")
	case stateInGroup:
		// An unterminated --start-group still commits whatever files
		// were collected; a real ld would likely also complain, but
		// spec.md doesn't call this out as fatal, so it's forgiving.
		r.Stream = append(r.Stream, StreamItem{Kind: ItemGroup, Files: group})
	}

	return r, nil
}

// Files returns every plain file path named by the stream, in order,
// with group members flattened in place (one pass, no re-scanning; see
// spec.md §9 on group reprocessing).
func (r *Result) Files() []string {
	var out []string
	for _, item := range r.Stream {
		switch item.Kind {
		case ItemFile:
			out = append(out, item.Path)
		case ItemGroup:
			out = append(out, item.Files...)
		}
	}
	return out
}
