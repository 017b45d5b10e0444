package contentscript

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Prefix is the resource path scripts are addressed by.
const Prefix = "content-script/"

const (
	// Boot is registered on every new document and requests enhancement.
	Boot = Prefix + "boot.js"
	// Enhance installs the reading view and its message handler.
	Enhance = Prefix + "enhance.js"
)

//go:embed files/*.js
var embedded embed.FS

// ErrNotFound is returned for unknown script paths.
var ErrNotFound = errors.New("content script not found")

// FS exposes the scripts rooted at their file names.
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "files")
	if err != nil {
		return embedded
	}
	return sub
}

// Read returns the source of a script addressed either by file name or by its
// resource path.
func Read(name string) ([]byte, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(name)), "/")
	clean = strings.TrimPrefix(clean, Prefix)
	if clean == "" || strings.Contains(clean, "/") {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	data, err := fs.ReadFile(FS(), clean)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return data, nil
}

// Names lists the embedded script file names.
func Names() []string {
	entries, err := fs.ReadDir(FS(), ".")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Name())
	}
	return out
}
