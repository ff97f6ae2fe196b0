package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/encoding/unicode"

	appcrypto "fileshare/crypto"
)

const (
	// KeepAliveTag is the first byte of every presence datagram.
	KeepAliveTag byte = 'K'
	// MaxDatagramSize is the largest keep-alive the receive path accepts.
	MaxDatagramSize = 65507

	keepAliveHeaderSize = 3
)

var (
	// ErrNotKeepAlive is returned for datagrams that do not start with KeepAliveTag.
	ErrNotKeepAlive = errors.New("discovery: not a keep-alive datagram")
	// ErrMalformedKeepAlive is returned for truncated or inconsistent keep-alives.
	ErrMalformedKeepAlive = errors.New("discovery: malformed keep-alive datagram")
	// ErrKeepAliveTooLarge is returned when a name and picture cannot fit in one datagram.
	ErrKeepAliveTooLarge = errors.New("discovery: keep-alive exceeds datagram size")
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// KeepAlive is the decoded payload of a presence datagram.
type KeepAlive struct {
	Name          string
	PictureDigest []byte
	Picture       []byte
}

// EncodeKeepAlive builds the datagram for name and an optional picture.
func EncodeKeepAlive(name string, picture []byte) ([]byte, error) {
	rawName, err := utf16LE.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("encode name: %w", err)
	}
	if len(rawName) > math.MaxInt16 {
		return nil, ErrKeepAliveTooLarge
	}

	size := keepAliveHeaderSize + len(rawName)
	if len(picture) > 0 {
		size += appcrypto.PictureDigestSize + len(picture)
	}
	if size > MaxDatagramSize {
		return nil, ErrKeepAliveTooLarge
	}

	packet := make([]byte, keepAliveHeaderSize, size)
	packet[0] = KeepAliveTag
	binary.LittleEndian.PutUint16(packet[1:3], uint16(len(rawName)))
	packet = append(packet, rawName...)
	if len(picture) > 0 {
		digest := appcrypto.PictureDigest(picture)
		packet = append(packet, digest[:]...)
		packet = append(packet, picture...)
	}
	return packet, nil
}

// ParseKeepAlive decodes a presence datagram. Whatever follows the digest is the picture.
func ParseKeepAlive(packet []byte) (KeepAlive, error) {
	if len(packet) == 0 || packet[0] != KeepAliveTag {
		return KeepAlive{}, ErrNotKeepAlive
	}
	if len(packet) < keepAliveHeaderSize {
		return KeepAlive{}, fmt.Errorf("%w: missing name length", ErrMalformedKeepAlive)
	}

	nameLength := int(int16(binary.LittleEndian.Uint16(packet[1:3])))
	if nameLength < 0 || len(packet) < keepAliveHeaderSize+nameLength {
		return KeepAlive{}, fmt.Errorf("%w: name length %d", ErrMalformedKeepAlive, nameLength)
	}
	rawName := packet[keepAliveHeaderSize : keepAliveHeaderSize+nameLength]
	decoded, err := utf16LE.NewDecoder().Bytes(rawName)
	if err != nil {
		return KeepAlive{}, fmt.Errorf("%w: %v", ErrMalformedKeepAlive, err)
	}

	ka := KeepAlive{Name: strings.Trim(string(decoded), "\x00")}
	rest := packet[keepAliveHeaderSize+nameLength:]
	if len(rest) == 0 {
		return ka, nil
	}
	if len(rest) < appcrypto.PictureDigestSize {
		return KeepAlive{}, fmt.Errorf("%w: truncated picture digest", ErrMalformedKeepAlive)
	}
	ka.PictureDigest = append([]byte(nil), rest[:appcrypto.PictureDigestSize]...)
	ka.Picture = append([]byte(nil), rest[appcrypto.PictureDigestSize:]...)
	return ka, nil
}
