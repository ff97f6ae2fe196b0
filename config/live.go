package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MaxPictureSize keeps a keep-alive carrying the picture within one UDP datagram.
const MaxPictureSize = 60 * 1024

// ErrPictureTooLarge is returned for pictures over MaxPictureSize.
var ErrPictureTooLarge = errors.New("config: picture exceeds keep-alive size")

// Live is the process-wide settings view. Reads are concurrent; every
// change is persisted to config.json before it becomes visible.
type Live struct {
	path string

	mu      sync.RWMutex
	cfg     DeviceConfig
	picture []byte
}

// NewLive wraps cfg, persisted at path. An empty path keeps changes in memory.
func NewLive(path string, cfg *DeviceConfig) *Live {
	return &Live{path: path, cfg: *cfg}
}

// LoadPicture reads the configured picture into memory. A missing
// picture_path clears it.
func (l *Live) LoadPicture() error {
	l.mu.RLock()
	path := l.cfg.PicturePath
	l.mu.RUnlock()

	picture, err := readPicture(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.picture = picture
	l.mu.Unlock()
	return nil
}

func readPicture(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	picture, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read picture: %w", err)
	}
	if len(picture) > MaxPictureSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPictureTooLarge, len(picture))
	}
	return picture, nil
}

// Snapshot returns a copy of the current settings.
func (l *Live) Snapshot() DeviceConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Live) DisplayName() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.DisplayName
}

func (l *Live) Ghost() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Ghost
}

func (l *Live) AutoAccept() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.AutoAccept
}

func (l *Live) DownloadDir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.DownloadDir
}

// Picture returns a copy of the loaded picture bytes.
func (l *Live) Picture() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.picture == nil {
		return nil
	}
	return append([]byte(nil), l.picture...)
}

// SetGhost toggles ghost mode.
func (l *Live) SetGhost(ghost bool) error {
	return l.Update(func(cfg *DeviceConfig) {
		cfg.Ghost = ghost
	})
}

// SetAutoAccept toggles accepting transfers without confirmation.
func (l *Live) SetAutoAccept(autoAccept bool) error {
	return l.Update(func(cfg *DeviceConfig) {
		cfg.AutoAccept = autoAccept
	})
}

// SetPicture replaces the advertised picture.
func (l *Live) SetPicture(path string) error {
	picture, err := readPicture(path)
	if err != nil {
		return err
	}
	if err := l.Update(func(cfg *DeviceConfig) {
		cfg.PicturePath = path
	}); err != nil {
		return err
	}

	l.mu.Lock()
	l.picture = picture
	l.mu.Unlock()
	return nil
}

// Update applies fn to a copy, normalizes and persists it, then publishes it.
func (l *Live) Update(fn func(cfg *DeviceConfig)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.cfg
	fn(&next)
	normalizeDefaults(&next, filepath.Dir(l.path))

	if l.path != "" {
		if err := Save(l.path, &next); err != nil {
			return err
		}
	}
	l.cfg = next
	return nil
}
