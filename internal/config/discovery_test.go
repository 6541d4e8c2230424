package config

import (
	"path/filepath"
	"testing"
)

func TestDiscoverPrefersEnvDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	envDir := t.TempDir()

	got, err := discover(envDir, filepath.Join(t.TempDir(), "etc"), "./does-not-exist.yaml")
	if err != nil {
		t.Fatalf("discover() error = %v", err)
	}
	if got != envDir {
		t.Errorf("discover() = %q, want %q", got, envDir)
	}
}

func TestDiscoverUserConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	userDir := filepath.Join(home, ".config", "courier")
	writeTestFile(t, filepath.Join(userDir, "config.yaml"), "peer: x\n")

	got, err := discover("", filepath.Join(t.TempDir(), "etc"), "./does-not-exist.yaml")
	if err != nil {
		t.Fatalf("discover() error = %v", err)
	}
	if got != userDir {
		t.Errorf("discover() = %q, want %q", got, userDir)
	}
}

func TestDiscoverFallsBackToLocalFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	local := filepath.Join(t.TempDir(), "config.yaml")
	writeTestFile(t, local, "peer: x\n")

	got, err := discover(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "etc"), local)
	if err != nil {
		t.Fatalf("discover() error = %v", err)
	}
	if got != local {
		t.Errorf("discover() = %q, want %q", got, local)
	}
}

func TestDiscoverNothingFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if _, err := discover("", filepath.Join(t.TempDir(), "etc"), filepath.Join(t.TempDir(), "config.yaml")); err == nil {
		t.Fatal("expected error when no config exists")
	}
}
