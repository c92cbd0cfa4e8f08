//go:build !windows

package interpreter

import (
	"os"
	"path/filepath"
	"testing"
)

func fakePython(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	p := filepath.Join(dir, pythonExe)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestResolveEnvOverrideWins(t *testing.T) {
	root := t.TempDir()
	override := fakePython(t, filepath.Join(root, "custom"))
	t.Setenv(EnvOverride, override)
	t.Setenv("VIRTUAL_ENV", "")

	if got := Resolve(root); got != override {
		t.Fatalf("override ignored: got %q want %q", got, override)
	}
}

func TestResolveBrokenOverrideFallsThrough(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvOverride, filepath.Join(root, "missing-python"))
	t.Setenv("VIRTUAL_ENV", "")

	want := fakePython(t, filepath.Join(root, ".venv", binDir))
	if got := Resolve(root); got != want {
		t.Fatalf("broken override should fall through to venv: got %q want %q", got, want)
	}
}

func TestResolveActiveVirtualEnv(t *testing.T) {
	root := t.TempDir()
	venv := filepath.Join(t.TempDir(), "myenv")
	want := fakePython(t, filepath.Join(venv, binDir))
	t.Setenv(EnvOverride, "")
	t.Setenv("VIRTUAL_ENV", venv)

	if got := Resolve(root); got != want {
		t.Fatalf("active virtualenv ignored: got %q want %q", got, want)
	}
}

func TestResolveProjectVenvPriority(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvOverride, "")
	t.Setenv("VIRTUAL_ENV", "")

	// Both .venv and venv exist; .venv wins.
	want := fakePython(t, filepath.Join(root, ".venv", binDir))
	fakePython(t, filepath.Join(root, "venv", binDir))

	if got := Resolve(root); got != want {
		t.Fatalf("venv priority wrong: got %q want %q", got, want)
	}
}

func TestResolveFallback(t *testing.T) {
	t.Setenv(EnvOverride, "")
	t.Setenv("VIRTUAL_ENV", "")
	if got := Resolve(t.TempDir()); got != fallbackName {
		t.Fatalf("expected bare fallback, got %q", got)
	}
}

func TestIsExecutableRejectsDirsAndPlainFiles(t *testing.T) {
	dir := t.TempDir()
	if isExecutable(dir) {
		t.Fatal("directory treated as executable")
	}
	plain := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if isExecutable(plain) {
		t.Fatal("non-executable file accepted")
	}
}
