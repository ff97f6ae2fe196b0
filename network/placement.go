package network

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"fileshare/models"
)

const maxNameAttempts = 10000

// placementMu serializes name selection across every receive session in the process.
var placementMu sync.Mutex

// createTarget creates a new file for desc under root, appending " (n)" to the
// base name until the path is free. Directory components are created as needed.
func createTarget(root string, desc models.TransferDescriptor) (*os.File, string, error) {
	rel := filepath.FromSlash(desc.Dir())
	if rel != "" && !filepath.IsLocal(rel) {
		return nil, "", protocolError("directory %q escapes the destination", desc.Dir())
	}

	placementMu.Lock()
	defer placementMu.Unlock()

	dir := filepath.Join(root, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", filesystemError("create directory", err)
	}

	base := desc.BaseName()
	suffix := ""
	if desc.Extension != "" {
		suffix = "." + desc.Extension
	}

	candidate := filepath.Join(dir, base+suffix)
	for n := 1; n <= maxNameAttempts; n++ {
		file, err := os.OpenFile(candidate, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", filesystemError("create file", err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, suffix))
	}
	return nil, "", filesystemError("create file", fmt.Errorf("no free name for %q", desc.FileName()))
}

// discardTarget closes and removes a partially written file.
func discardTarget(file *os.File, path string) error {
	_ = file.Close()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return filesystemError("remove partial file", err)
	}
	return nil
}
