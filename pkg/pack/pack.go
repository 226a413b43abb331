// Package pack loads game content packages. A package is a zip archive
// containing the guest bytecode module under a fixed name.
package pack

import (
	"archive/zip"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// CodeFileName is the required name of the guest module inside a package.
const CodeFileName = "code.wasm"

// Package holds the contents of a loaded content package.
type Package struct {
	// Code is the raw guest bytecode module.
	Code []byte
}

// Load reads a package from an open zip archive.
func Load(r io.ReaderAt, size int64) (*Package, error) {
	archive, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("malformed package: %w", err)
	}

	code, err := archive.Open(CodeFileName)
	if err != nil {
		return nil, fmt.Errorf("package has no %s: %w", CodeFileName, err)
	}
	defer code.Close()

	data, err := io.ReadAll(code)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", CodeFileName, err)
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "pack",
		"code_bytes":  len(data),
	}).Info("package loaded")

	return &Package{Code: data}, nil
}

// LoadFile reads a package from a file on disk.
func LoadFile(path string) (*Package, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package %s: %w", path, err)
	}
	defer archive.Close()

	code, err := archive.Open(CodeFileName)
	if err != nil {
		return nil, fmt.Errorf("package has no %s: %w", CodeFileName, err)
	}
	defer code.Close()

	data, err := io.ReadAll(code)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", CodeFileName, err)
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "pack",
		"path":        path,
		"code_bytes":  len(data),
	}).Info("package loaded")

	return &Package{Code: data}, nil
}
