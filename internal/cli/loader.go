package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/ir"
)

// Error code constants - unified across all CLI commands.
// Validation codes (E2xx) come from compiler.Validate.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeCompile     = "E100" // Spec does not compile to IR
)

// SpecError is one problem found while loading a spec directory.
type SpecError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Pos     string `json:"pos,omitempty"` // file:line:col when known
}

func (e SpecError) String() string {
	s := e.Code + ": "
	if e.Field != "" {
		s += e.Field + ": "
	}
	return s + e.Message
}

// loadSpecs loads and compiles the spec directory. On failure it returns
// every problem found; dirErr reports whether the directory itself was
// unusable, as opposed to specs that failed to compile.
func loadSpecs(dir string) (res *compiler.LoadResult, errs []SpecError, dirErr bool) {
	res, err := compiler.LoadDir(dir)
	if err == nil {
		return res, nil, false
	}

	var de *compiler.DirError
	if errors.As(err, &de) {
		return nil, []SpecError{{Code: dirErrorCode(de.Kind), Message: de.Error()}}, true
	}
	return nil, compileErrors(err), false
}

// dirErrorCode maps a directory failure to its error code.
func dirErrorCode(k compiler.DirErrorKind) string {
	switch k {
	case compiler.DirNotFound:
		return ErrCodeNotFound
	case compiler.DirScanFailed:
		return ErrCodeScanError
	case compiler.DirNoFiles:
		return ErrCodeNoFiles
	case compiler.DirLoadFailed:
		return ErrCodeLoadFailed
	case compiler.DirBuildFailed:
		return ErrCodeBuildFailed
	default:
		return ErrCodeGeneric
	}
}

// compileErrors flattens a joined compile error into one SpecError per
// leaf.
func compileErrors(err error) []SpecError {
	var out []SpecError
	for _, leaf := range leafErrors(err) {
		var ce *compiler.CompileError
		if errors.As(leaf, &ce) {
			se := SpecError{Code: ErrCodeCompile, Field: ce.Field, Message: ce.Message}
			if ce.Pos.IsValid() {
				se.Pos = fmt.Sprintf("%s:%d:%d", ce.Pos.Filename(), ce.Pos.Line(), ce.Pos.Column())
			}
			out = append(out, se)
			continue
		}
		out = append(out, SpecError{Code: ErrCodeCompile, Message: leaf.Error()})
	}
	return out
}

func leafErrors(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range joined.Unwrap() {
			out = append(out, leafErrors(e)...)
		}
		return out
	}
	return []error{err}
}

// validationErrors converts compiler validation errors.
func validationErrors(errs []compiler.ValidationError) []SpecError {
	out := make([]SpecError, len(errs))
	for i, e := range errs {
		out[i] = SpecError{Code: e.Code, Field: e.Field, Message: e.Message}
	}
	return out
}

// loadBundle loads, compiles and validates specs for commands that go on
// to generate. Any problem is a command error.
func loadBundle(dir string) (*ir.Bundle, error) {
	res, errs, _ := loadSpecs(dir)
	if len(errs) == 0 {
		if verrs := compiler.Validate(res.Bundle); len(verrs) > 0 {
			errs = validationErrors(verrs)
		}
	}
	if len(errs) > 0 {
		msg := errs[0].String()
		if len(errs) > 1 {
			msg += fmt.Sprintf(" (and %d more)", len(errs)-1)
		}
		return nil, NewExitError(ExitCommandError, "invalid specs: "+msg)
	}
	return res.Bundle, nil
}
