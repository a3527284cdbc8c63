// Package linker is the driver's orchestration layer: it sequences the
// Path Resolver, Manifest Builder, Gatherer, and Emitter into a single
// link pass, and owns the error taxonomy that the rest of the pipeline
// reports through as plain errors. Phases are modeled the way a small,
// explicit linker loop is usually written: resolve, then gather, then
// emit, each logged as it completes.
package linker

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/diodesign/itsylinker/cli"
	"github.com/diodesign/itsylinker/gather"
	"github.com/diodesign/itsylinker/manifest"
	"github.com/diodesign/itsylinker/objwrite"
	"github.com/diodesign/itsylinker/script"
	"github.com/diodesign/itsylinker/search"
)

// FatalTag classifies why a link failed, per the taxonomy the command
// line driver reports to the user.
type FatalTag string

const (
	UsageError  FatalTag = "usage error"
	IOError     FatalTag = "I/O error"
	FormatError FatalTag = "format error"
	PolicyError FatalTag = "policy error"
)

// FatalError is the single error type cmd/itsylinker's main knows how
// to render. Every other package in this module returns a plain error;
// Link is the one place that decides which taxonomy tag a given
// failure belongs to, since it's the only code that knows which phase
// produced it.
type FatalError struct {
	Tag FatalTag
	ID  string
	Err error
}

func (e *FatalError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Tag, e.ID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(tag FatalTag, id string, err error) error {
	return &FatalError{Tag: tag, ID: id, Err: err}
}

// Context carries the state shared across a single link invocation:
// the logger progress is reported to, and the search-path resolver
// accumulated from -L switches as the input stream is walked.
type Context struct {
	Log   *slog.Logger
	Paths search.Paths
}

// NewContext returns a Context logging to log. If log is nil, a text
// handler writing to stderr is used, matching the ambient logging
// convention the rest of the module follows.
func NewContext(log *slog.Logger) *Context {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Context{Log: log}
}

// Link runs one full pass of the pipeline: resolve every input in
// stream order, build the manifest, load the link script, gather
// sections, and emit the output ELF to outputPath.
func Link(ctx *Context, stream []cli.StreamItem, scriptPath, outputPath string) error {
	if scriptPath == "" {
		return fatalf(UsageError, "", fmt.Errorf("no link script given (-T is mandatory)"))
	}

	m := manifest.New()
	defer m.Close()

	resolve := func(name string) error {
		path, ok := ctx.Paths.Find(name)
		if !ok {
			return fatalf(IOError, name, fmt.Errorf("input file not found"))
		}
		if err := m.Add(path); err != nil {
			return fatalf(FormatError, path, err)
		}
		ctx.Log.Debug("added input", "name", name, "path", path)
		return nil
	}

	for _, item := range stream {
		switch item.Kind {
		case cli.ItemSearchPath:
			ctx.Paths.Add(item.Path)
			ctx.Log.Debug("added search path", "dir", item.Path)
		case cli.ItemFile:
			if err := resolve(item.Path); err != nil {
				return err
			}
		case cli.ItemGroup:
			for _, f := range item.Files {
				if err := resolve(f); err != nil {
					return err
				}
			}
		}
	}

	s, err := script.Load(scriptPath)
	if err != nil {
		return fatalf(IOError, scriptPath, err)
	}

	result, err := gather.Run(s, m)
	if err != nil {
		return fatalf(PolicyError, scriptPath, err)
	}
	ctx.Log.Info("gathered sections", "kept", len(result.KeptSections), "flags", fmt.Sprintf("0x%x", result.Flags))

	b := objwrite.NewBuilder()
	if err := b.CopySections(result, m); err != nil {
		return fatalf(FormatError, "", err)
	}
	if err := b.CopySymbols(m); err != nil {
		return fatalf(FormatError, "", err)
	}
	if err := b.CopyRelocations(m); err != nil {
		return fatalf(FormatError, "", err)
	}
	if err := b.Place(s); err != nil {
		return fatalf(PolicyError, scriptPath, err)
	}
	ctx.Log.Info("placed sections", "entry", s.Output.Entry, "relocatable", *s.Output.Relocatable)

	var buf bytes.Buffer
	if err := b.WriteTo(&buf); err != nil {
		return fatalf(IOError, outputPath, err)
	}

	if err := os.WriteFile(outputPath, buf.Bytes(), 0o755); err != nil {
		return fatalf(IOError, outputPath, err)
	}
	ctx.Log.Info("wrote output", "path", outputPath, "bytes", buf.Len())

	return nil
}
