package models

import (
	"bytes"
	"net/netip"
	"time"
)

// PictureDigestSize is the length of the MD5 digest carried in keep-alives.
const PictureDigestSize = 16

// Peer represents a device seen through its presence beacon.
type Peer struct {
	Name          string     `json:"name"`
	Address       netip.Addr `json:"address"`
	PictureDigest []byte     `json:"picture_digest,omitempty"`
	Picture       []byte     `json:"-"`
	LastSeen      time.Time  `json:"last_seen"`
}

// Clone returns a copy that shares no memory with p.
func (p Peer) Clone() Peer {
	clone := p
	if p.PictureDigest != nil {
		clone.PictureDigest = append([]byte(nil), p.PictureDigest...)
	}
	if p.Picture != nil {
		clone.Picture = append([]byte(nil), p.Picture...)
	}
	return clone
}

// HasPicture reports whether the peer advertised a profile picture.
func (p Peer) HasPicture() bool {
	return len(p.PictureDigest) == PictureDigestSize
}

// PictureChanged reports whether digest differs from the stored picture digest.
func (p Peer) PictureChanged(digest []byte) bool {
	return !bytes.Equal(p.PictureDigest, digest)
}
