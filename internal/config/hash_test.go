package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndVerifyChecksums(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("local:\n  max_jobs: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	manifestPath, err := WriteChecksums(cfgPath)
	if err != nil {
		t.Fatalf("WriteChecksums() failed: %v", err)
	}
	if filepath.Base(manifestPath) != ".checksums" {
		t.Fatalf("manifest path = %s", manifestPath)
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	hash, ok := manifest.Hashes["config.yaml"]
	if !ok || len(hash) != 64 {
		t.Fatalf("expected 64-char hex hash, got %q", hash)
	}

	if err := VerifyFileHash(cfgPath, hash); err != nil {
		t.Fatalf("VerifyFileHash() failed: %v", err)
	}

	if err := os.WriteFile(cfgPath, []byte("local:\n  max_jobs: 64\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err = VerifyFileHash(cfgPath, hash)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if err != ErrNoChecksums {
		t.Fatalf("expected ErrNoChecksums, got %v", err)
	}
}

func TestLoadChecksumsBadVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".checksums"), []byte("version: 9\nhashes: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Fatal("expected version error")
	}
}

func TestWriteChecksumsRejectsMixedDirectories(t *testing.T) {
	a := filepath.Join(t.TempDir(), "a.yaml")
	b := filepath.Join(t.TempDir(), "b.yaml")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("x: 1\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := WriteChecksums(a, b); err == nil {
		t.Fatal("expected error for files in different directories")
	}
}
