package pack

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// writePackage assembles a zip archive with the given files.
func writePackage(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoad(t *testing.T) {
	code := []byte{0x00, 0x61, 0x73, 0x6D}
	archive := writePackage(t, map[string][]byte{
		CodeFileName: code,
		"extra.txt":  []byte("ignored"),
	})

	pkg, err := Load(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(pkg.Code, code) {
		t.Errorf("Code = %v, want %v", pkg.Code, code)
	}
}

func TestLoadMissingCode(t *testing.T) {
	archive := writePackage(t, map[string][]byte{
		"readme.md": []byte("no module here"),
	})

	if _, err := Load(bytes.NewReader(archive), int64(len(archive))); err == nil {
		t.Fatal("expected error for package without code.wasm")
	}
}

func TestLoadNotAZip(t *testing.T) {
	data := []byte("definitely not a zip archive")
	if _, err := Load(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Fatal("expected error for malformed archive")
	}
}

func TestLoadFile(t *testing.T) {
	code := []byte{1, 2, 3}
	archive := writePackage(t, map[string][]byte{CodeFileName: code})
	path := filepath.Join(t.TempDir(), "game.zip")
	if err := os.WriteFile(path, archive, 0o644); err != nil {
		t.Fatal(err)
	}

	pkg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if !bytes.Equal(pkg.Code, code) {
		t.Errorf("Code = %v, want %v", pkg.Code, code)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.zip")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
