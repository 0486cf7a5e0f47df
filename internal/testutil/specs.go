// Package testutil holds fixtures shared by package tests: the sample
// type 2 diabetes spec directory and a resolver that counts calls.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/roach88/cohortgen/internal/compiler"
	"github.com/roach88/cohortgen/internal/ir"
)

// T2DCohort is the cohort declared by the sample specs.
const T2DCohort = "t2d-2025"

// RepoRoot returns the directory holding go.mod, found by walking up from
// the test's working directory.
func RepoRoot(t testing.TB) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found above working directory")
		}
		dir = parent
	}
}

// SpecsDir returns the sample spec directory, testdata/specs/t2d.
func SpecsDir(t testing.TB) string {
	t.Helper()
	return filepath.Join(RepoRoot(t), "testdata", "specs", "t2d")
}

// LoadBundle compiles the sample specs.
func LoadBundle(t testing.TB) *ir.Bundle {
	t.Helper()
	res, err := compiler.LoadDir(SpecsDir(t))
	if err != nil {
		t.Fatalf("load sample specs: %v", err)
	}
	return res.Bundle
}

// CopySpecs copies the sample spec files into a fresh temp directory, for
// tests that edit them.
func CopySpecs(t testing.TB) string {
	t.Helper()
	src := SpecsDir(t)
	dst := t.TempDir()
	files, err := compiler.FindCUEFiles(src)
	if err != nil {
		t.Fatalf("list sample specs: %v", err)
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(src, f))
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if err := os.WriteFile(filepath.Join(dst, f), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return dst
}
