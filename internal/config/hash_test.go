package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "peer: test\n")

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "extra.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("extra.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockThenLoadVerifies(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "config.yaml")
	writeTestFile(t, root, "include: [sub/dispatch.yaml]\npeer: locked\n")
	writeTestFile(t, filepath.Join(tmpDir, "sub", "dispatch.yaml"), "dispatch:\n  queue_capacity: 10\n")

	reports, err := Lock(root, false)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want one per directory", len(reports))
	}
	for _, r := range reports {
		if !r.Written {
			t.Errorf("checksums not written for %s", r.ConfigDir)
		}
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
	if _, ok := manifest.Hashes["config.yaml"]; !ok {
		t.Fatalf("config.yaml missing from manifest: %v", manifest.Hashes)
	}

	if _, err := Load(root); err != nil {
		t.Fatalf("Load() after lock error = %v", err)
	}

	// Tamper with the included file.
	writeTestFile(t, filepath.Join(tmpDir, "sub", "dispatch.yaml"), "dispatch:\n  queue_capacity: 99\n")
	_, err = Load(root)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestLoadRejectsUnlistedFile(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "config.yaml")
	writeTestFile(t, root, "peer: x\n")
	if _, err := Lock(root, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	// Add an include in the same directory after locking.
	writeTestFile(t, filepath.Join(tmpDir, "late.yaml"), "peer: y\n")
	writeTestFile(t, root, "include: [late.yaml]\npeer: x\n")

	if _, err := Load(root); err == nil {
		t.Fatal("expected verification failure after unlocked edit")
	}
}

func TestLoadChecksumsVersion(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, ".checksums"), "version: 2\nhashes: {}\n")

	if _, err := LoadChecksums(tmpDir); err == nil || !strings.Contains(err.Error(), "unsupported checksums version") {
		t.Fatalf("expected version error, got %v", err)
	}
}
