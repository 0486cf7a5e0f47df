package compiler

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/cohortgen/internal/ir"
)

// LoadResult is a compiled spec directory.
type LoadResult struct {
	Bundle *ir.Bundle
	Files  []string // CUE file names in the directory, sorted
}

// DirError reports a spec directory that could not be loaded at all, as
// opposed to specs that failed to compile.
type DirError struct {
	Kind DirErrorKind
	Dir  string
	Err  error
}

// DirErrorKind classifies a DirError.
type DirErrorKind int

const (
	DirNotFound DirErrorKind = iota
	DirScanFailed
	DirNoFiles
	DirLoadFailed
	DirBuildFailed
)

func (e *DirError) Error() string {
	switch e.Kind {
	case DirNotFound:
		return fmt.Sprintf("specs directory not found: %s", e.Dir)
	case DirNoFiles:
		return fmt.Sprintf("no CUE files found in %s", e.Dir)
	}
	return fmt.Sprintf("%s: %v", e.Dir, e.Err)
}

func (e *DirError) Unwrap() error { return e.Err }

// LoadDir loads the CUE package in dir and compiles it into a bundle.
//
// SpecHash covers every CUE file in dir: names and contents, in sorted
// name order, so a run records exactly which specs produced it.
func LoadDir(dir string) (*LoadResult, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &DirError{Kind: DirNotFound, Dir: dir, Err: err}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, &DirError{Kind: DirScanFailed, Dir: dir, Err: err}
	}
	if len(files) == 0 {
		return nil, &DirError{Kind: DirNoFiles, Dir: dir}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &DirError{Kind: DirLoadFailed, Dir: dir, Err: fmt.Errorf("no CUE instances loaded")}
	}
	if err := instances[0].Err; err != nil {
		return nil, &DirError{Kind: DirLoadFailed, Dir: dir, Err: err}
	}

	v := cuecontext.New().BuildInstance(instances[0])
	if err := v.Err(); err != nil {
		return nil, &DirError{Kind: DirBuildFailed, Dir: dir, Err: formatCUEError(err)}
	}

	b, err := Compile(v)
	if err != nil {
		return nil, err
	}

	var src bytes.Buffer
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, &DirError{Kind: DirScanFailed, Dir: dir, Err: err}
		}
		src.WriteString(f)
		src.WriteByte(0)
		src.Write(data)
		src.WriteByte(0)
	}
	b.SpecHash = ir.SpecHash(src.Bytes())

	return &LoadResult{Bundle: b, Files: files}, nil
}

// FindCUEFiles returns the .cue files directly in dir, sorted. Like the
// CUE loader it does not descend into subdirectories.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, e.Name())
		}
	}
	return files, nil
}
