package models

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrEmptyName is returned when a descriptor name is empty after trimming.
	ErrEmptyName = errors.New("models: transfer name is empty")
	// ErrNegativeSize is returned for descriptors with a negative byte count.
	ErrNegativeSize = errors.New("models: transfer size is negative")
	// ErrUnsafeName is returned for absolute names or names escaping the target directory.
	ErrUnsafeName = errors.New("models: transfer name escapes the destination")
)

// TransferDescriptor identifies one file announced in a HELLO message.
type TransferDescriptor struct {
	RelativeName string `json:"relative_name"`
	Extension    string `json:"extension"`
	Size         int64  `json:"size"`
	IsDirectory  bool   `json:"is_directory"`
}

// NewTransferDescriptor normalizes name and derives IsDirectory from it.
func NewTransferDescriptor(name, extension string, size int64) (TransferDescriptor, error) {
	desc := TransferDescriptor{
		RelativeName: TrimName(name),
		Extension:    strings.Trim(extension, "\x00"),
		Size:         size,
	}
	desc.IsDirectory = strings.Contains(desc.RelativeName, "/")
	return desc, desc.Validate()
}

// TrimName strips '/' separators and NUL padding from both ends of a wire name.
func TrimName(name string) string {
	return strings.Trim(name, "/\x00")
}

// Validate checks descriptor invariants.
func (d TransferDescriptor) Validate() error {
	if d.RelativeName == "" {
		return ErrEmptyName
	}
	if d.Size < 0 {
		return ErrNegativeSize
	}
	if strings.ContainsAny(d.RelativeName, "\\\x00") || strings.ContainsAny(d.Extension, "/\\") {
		return fmt.Errorf("%w: %q", ErrUnsafeName, d.RelativeName)
	}
	for _, part := range strings.Split(d.RelativeName, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrUnsafeName, d.RelativeName)
		}
	}
	return nil
}

// Dir returns the '/'-separated directory part, or "" for a plain file.
func (d TransferDescriptor) Dir() string {
	if !d.IsDirectory {
		return ""
	}
	return path.Dir(d.RelativeName)
}

// BaseName returns the last path element without extension.
func (d TransferDescriptor) BaseName() string {
	return path.Base(d.RelativeName)
}

// FileName returns the base name joined with the extension.
func (d TransferDescriptor) FileName() string {
	if d.Extension == "" {
		return d.BaseName()
	}
	return d.BaseName() + "." + d.Extension
}

// DisplayName returns the relative name with its extension appended.
func (d TransferDescriptor) DisplayName() string {
	if d.Extension == "" {
		return d.RelativeName
	}
	return d.RelativeName + "." + d.Extension
}

// Transfer is the persisted outcome of one file moved over a session.
type Transfer struct {
	TransferID  string `json:"transfer_id"`
	SessionID   string `json:"session_id"`
	Direction   string `json:"direction"`
	PeerAddress string `json:"peer_address"`
	PeerName    string `json:"peer_name"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	StoredPath  string `json:"stored_path"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at,omitempty"`
}
