package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	appcrypto "fileshare/crypto"
)

// stage is one side of the streaming pipeline.
type stage func(buf *StreamBuffer) error

// pipeline runs a loader and a drain concurrently around one StreamBuffer.
// The first failure aborts the buffer and forces the socket deadline so that
// the other side wakes up wherever it is blocked.
type pipeline struct {
	conn net.Conn
	buf  *StreamBuffer

	once  sync.Once
	cause error
}

func runPipeline(ctx context.Context, conn net.Conn, load, drain stage) error {
	p := &pipeline{conn: conn, buf: NewStreamBuffer()}

	stop := context.AfterFunc(ctx, func() {
		p.abort(cancelCause(ctx))
	})
	defer stop()

	var group errgroup.Group
	group.Go(func() error { return p.run(load) })
	group.Go(func() error { return p.run(drain) })
	err := group.Wait()

	p.once.Do(func() {})
	if p.cause != nil {
		return p.cause
	}
	return err
}

func (p *pipeline) run(fn stage) error {
	if err := fn(p.buf); err != nil {
		p.abort(err)
		return err
	}
	return nil
}

func (p *pipeline) abort(cause error) {
	p.once.Do(func() {
		p.cause = cause
		p.buf.Abort(cause)
		// A digest mismatch is detected after the loader consumed the whole
		// file, so the connection is still aligned on the next request.
		if !errors.Is(cause, ErrIntegrityMismatch) {
			_ = p.conn.SetDeadline(time.Now())
		}
	})
}

func chunkLength(remaining int64) int {
	if remaining < ChunkSize {
		return int(remaining)
	}
	return ChunkSize
}

// sendLoader streams size bytes of source, then its SHA-256 digest.
func sendLoader(source io.ReadSeeker, size int64) stage {
	return func(buf *StreamBuffer) error {
		for remaining := size; remaining > 0; {
			chunk := make([]byte, chunkLength(remaining))
			if _, err := io.ReadFull(source, chunk); err != nil {
				return filesystemError("read source", err)
			}
			if err := buf.Put(chunk); err != nil {
				return err
			}
			remaining -= int64(len(chunk))
		}

		if _, err := source.Seek(0, io.SeekStart); err != nil {
			return filesystemError("rewind source", err)
		}
		digest, err := appcrypto.FileDigest(io.LimitReader(source, size))
		if err != nil {
			return filesystemError("hash source", err)
		}
		return buf.Put(digest[:])
	}
}

// sendDrain writes size bytes of chunks and then the digest to the socket.
func sendDrain(conn io.Writer, size int64, progress func(int64)) stage {
	return func(buf *StreamBuffer) error {
		var written int64
		for written < size {
			chunk, err := buf.Take()
			if err != nil {
				return err
			}
			if _, err := conn.Write(chunk); err != nil {
				return networkError("write payload", err)
			}
			written += int64(len(chunk))
			progress(written)
		}

		digest, err := buf.Take()
		if err != nil {
			return err
		}
		if _, err := conn.Write(digest); err != nil {
			return networkError("write digest", err)
		}
		return nil
	}
}

// receiveLoader reads size bytes from the socket, then the 32-byte digest.
func receiveLoader(conn io.Reader, size int64) stage {
	return func(buf *StreamBuffer) error {
		for remaining := size; remaining > 0; {
			chunk := make([]byte, chunkLength(remaining))
			if _, err := io.ReadFull(conn, chunk); err != nil {
				return networkError("read payload", err)
			}
			if err := buf.Put(chunk); err != nil {
				return err
			}
			remaining -= int64(len(chunk))
		}

		digest := make([]byte, appcrypto.FileDigestSize)
		if _, err := io.ReadFull(conn, digest); err != nil {
			return networkError("read digest", err)
		}
		return buf.Put(digest)
	}
}

// receiveDrain writes chunks to target and verifies the written bytes against the digest.
func receiveDrain(target io.ReadWriteSeeker, size int64, progress func(int64)) stage {
	return func(buf *StreamBuffer) error {
		var written int64
		for written < size {
			chunk, err := buf.Take()
			if err != nil {
				return err
			}
			if _, err := target.Write(chunk); err != nil {
				return filesystemError("write target", err)
			}
			written += int64(len(chunk))
			progress(written)
		}

		expected, err := buf.Take()
		if err != nil {
			return err
		}
		if _, err := target.Seek(0, io.SeekStart); err != nil {
			return filesystemError("rewind target", err)
		}
		actual, err := appcrypto.FileDigest(target)
		if err != nil {
			return filesystemError("hash target", err)
		}
		if !bytes.Equal(actual[:], expected) {
			return fmt.Errorf("%w: expected %s got %s", ErrIntegrityMismatch,
				appcrypto.DigestHex(expected), appcrypto.DigestHex(actual[:]))
		}
		return nil
	}
}
