package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fileshare/models"
)

// ErrEmptyDirectory is returned when a directory holds no regular files.
var ErrEmptyDirectory = errors.New("network: directory has no files to send")

// outgoingFile is one file of a send request with its wire descriptor.
type outgoingFile struct {
	Path       string
	Descriptor models.TransferDescriptor
}

// collectFiles lists what sending path involves. A regular file yields one
// entry named after its base name; a directory yields every regular file
// below it named "<dir>/<relative path>" without extension.
func collectFiles(path string) ([]outgoingFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, filesystemError("stat source", err)
	}

	if !info.IsDir() {
		name, extension := splitExtension(filepath.Base(path))
		desc, err := models.NewTransferDescriptor(name, extension, info.Size())
		if err != nil {
			return nil, filesystemError("describe source", err)
		}
		return []outgoingFile{{Path: path, Descriptor: desc}}, nil
	}

	root := filepath.Clean(path)
	dirName := filepath.Base(root)
	var files []outgoingFile
	err = filepath.WalkDir(root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		entryInfo, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, current)
		if err != nil {
			return err
		}
		relName, extension := splitExtension(filepath.ToSlash(rel))
		desc, err := models.NewTransferDescriptor(dirName+"/"+relName, extension, entryInfo.Size())
		if err != nil {
			return err
		}
		files = append(files, outgoingFile{Path: current, Descriptor: desc})
		return nil
	})
	if err != nil {
		return nil, filesystemError("walk source directory", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %w: %q", ErrFilesystem, ErrEmptyDirectory, path)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Descriptor.RelativeName < files[j].Descriptor.RelativeName
	})
	return files, nil
}

// splitExtension separates the last extension of the final path element,
// without its leading dot. Dot-files keep their name.
func splitExtension(name string) (string, string) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" || base == "" || strings.HasSuffix(base, "/") {
		return name, ""
	}
	return base, strings.TrimPrefix(ext, ".")
}

type sender struct {
	session        *Session
	files          []outgoingFile
	address        string
	settings       Settings
	connectTimeout time.Duration
}

func peerAddress(addr netip.Addr, port int) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(port))
}

// run dials the peer and pushes every file. KO or an unknown reply from the
// receiver stops the conversation with ENDOC; a pipeline failure aborts it.
func (snd *sender) run() {
	s := snd.session
	ctx := s.ctx

	dialer := net.Dialer{Timeout: snd.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", snd.address)
	if err != nil {
		if ctx.Err() != nil {
			s.finish(StateAborted, cancelCause(ctx))
			return
		}
		s.finish(StateFailed, networkError("connect", err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	s.logger.WithFields(logrus.Fields{
		"address": snd.address,
		"files":   len(snd.files),
	}).Info("Connected to peer")

	var sent, rejected int
	for _, file := range snd.files {
		state, err := snd.sendFile(conn, file)
		if state == StateCompleted {
			sent++
			continue
		}
		if state == StateRejected {
			rejected++
			break
		}
		if errors.Is(err, ErrProtocolViolation) {
			// The receiver answered neither OK nor KO; the stream is still aligned.
			_ = WriteEndOfConversation(conn)
		}
		s.finish(state, err)
		return
	}

	if err := WriteEndOfConversation(conn); err != nil {
		if ctx.Err() != nil {
			s.finish(StateAborted, cancelCause(ctx))
			return
		}
		s.finish(StateFailed, err)
		return
	}

	if rejected > 0 && sent == 0 {
		s.finish(StateRejected, ErrRejected)
		return
	}
	s.finish(StateCompleted, nil)
}

func (snd *sender) sendFile(conn net.Conn, file outgoingFile) (State, error) {
	s := snd.session
	ctx := s.ctx
	desc := file.Descriptor
	tracker := s.trackFile(desc.DisplayName(), desc.Size)

	fail := func(state State, transferred int64, err error) (State, error) {
		if ctx.Err() != nil && state != StateRejected {
			state, err = StateAborted, cancelCause(ctx)
		}
		tracker.finish(state, transferred, file.Path, err)
		return state, err
	}

	source, err := os.Open(file.Path)
	if err != nil {
		return fail(StateFailed, 0, filesystemError("open source", err))
	}
	defer func() {
		_ = source.Close()
	}()

	info, err := source.Stat()
	if err != nil {
		return fail(StateFailed, 0, filesystemError("stat source", err))
	}
	desc.Size = info.Size()
	tracker.total = desc.Size

	hello := Hello{Named: !snd.settings.Ghost(), Descriptor: desc}
	if err := WriteHello(conn, hello); err != nil {
		return fail(StateFailed, 0, err)
	}

	accepted, err := ReadReply(conn)
	if err != nil {
		return fail(StateFailed, 0, err)
	}
	if !accepted {
		return fail(StateRejected, 0, ErrRejected)
	}

	tracker.transferring()
	var transferred int64
	progress := func(n int64) {
		transferred = n
		tracker.bytes(n)
	}
	if err := runPipeline(ctx, conn, sendLoader(source, desc.Size), sendDrain(conn, desc.Size, progress)); err != nil {
		return fail(StateFailed, transferred, err)
	}

	tracker.finish(StateCompleted, desc.Size, file.Path, nil)
	return StateCompleted, nil
}
