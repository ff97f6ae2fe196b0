package crypto

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// FileDigestSize is the length of the SHA-256 trailer sent after a file payload.
	FileDigestSize = sha256.Size
	// PictureDigestSize is the length of the MD5 picture digest in keep-alives.
	PictureDigestSize = md5.Size
)

// FileDigest returns the SHA-256 digest of everything readable from r.
func FileDigest(r io.Reader) ([FileDigestSize]byte, error) {
	var sum [FileDigestSize]byte
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return sum, fmt.Errorf("hash stream: %w", err)
	}
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}

// FileDigestAt hashes the file stored at path.
func FileDigestAt(path string) ([FileDigestSize]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		var zero [FileDigestSize]byte
		return zero, fmt.Errorf("open %q for hashing: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	return FileDigest(file)
}

// PictureDigest returns the MD5 digest identifying a profile picture.
func PictureDigest(picture []byte) [PictureDigestSize]byte {
	return md5.Sum(picture)
}

// DigestHex renders a digest for logs and history records.
func DigestHex(digest []byte) string {
	return hex.EncodeToString(digest)
}
