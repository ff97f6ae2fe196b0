package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"fileshare/models"
)

// AnonymousName is shown for senders that did not ask to be identified.
const AnonymousName = "Anonymous"

type receiver struct {
	session          *Session
	conn             net.Conn
	remote           netip.Addr
	settings         Settings
	roster           PeerResolver
	decider          Decider
	handshakeTimeout time.Duration

	decided  bool
	decision Decision

	received int
	rejected int
	corrupt  int
}

func remoteAddr(conn net.Conn) netip.Addr {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if addr, ok := netip.AddrFromSlice(tcp.IP); ok {
			return addr.Unmap().WithZone(tcp.Zone)
		}
	}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		return ap.Addr().Unmap()
	}
	return netip.Addr{}
}

// run serves requests until ENDOC, a fatal error or cancellation.
func (rcv *receiver) run() {
	s := rcv.session
	ctx := s.ctx
	defer func() {
		_ = rcv.conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = rcv.conn.SetDeadline(time.Now())
	})
	defer stop()

	for first := true; ; first = false {
		msg, err := ReadMessageWithTimeout(rcv.conn, rcv.handshakeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(StateAborted, cancelCause(ctx))
				return
			}
			if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrHandshakeTimeout) {
				_ = WriteReply(rcv.conn, false)
			}
			s.finish(StateFailed, err)
			return
		}

		if msg.Kind == KindEndOfConversation {
			if first {
				s.finish(StateFailed, protocolError("conversation ended before any request"))
				return
			}
			rcv.finishConversation()
			return
		}

		state, err := rcv.handleHello(msg.Hello)
		switch state {
		case StateCompleted:
			rcv.received++
		case StateRejected:
			rcv.rejected++
		case StateFailed:
			if errors.Is(err, ErrIntegrityMismatch) {
				rcv.corrupt++
				continue
			}
			s.finish(state, err)
			return
		default:
			s.finish(state, err)
			return
		}
	}
}

func (rcv *receiver) finishConversation() {
	if rcv.corrupt > 0 {
		rcv.session.finish(StateFailed, fmt.Errorf("%w: %d of %d files failed verification",
			ErrIntegrityMismatch, rcv.corrupt, rcv.corrupt+rcv.received))
		return
	}
	if rcv.received == 0 && rcv.rejected > 0 {
		rcv.session.finish(StateRejected, ErrRejected)
		return
	}
	rcv.session.finish(StateCompleted, nil)
}

// handleHello validates one request, answers it and, when accepted, receives the file.
func (rcv *receiver) handleHello(hello Hello) (State, error) {
	s := rcv.session
	ctx := s.ctx
	desc := hello.Descriptor

	sender, err := rcv.resolveSender(hello.Named)
	if err != nil {
		tracker := s.trackFile(desc.DisplayName(), desc.Size)
		return rcv.reject(tracker, err)
	}
	s.setPeer(sender)
	tracker := s.trackFile(desc.DisplayName(), desc.Size)

	if !rcv.decided {
		decision, err := rcv.decide(IncomingRequest{
			SessionID:  s.id,
			Sender:     sender,
			Named:      hello.Named,
			Descriptor: desc,
		})
		if err != nil {
			if ctx.Err() != nil {
				err = cancelCause(ctx)
				tracker.finish(StateAborted, 0, "", err)
				return StateAborted, err
			}
			_ = WriteReply(rcv.conn, false)
			tracker.finish(StateFailed, 0, "", err)
			return StateFailed, err
		}
		rcv.decided = true
		rcv.decision = decision
	}
	if !rcv.decision.Accept {
		return rcv.reject(tracker, ErrRejected)
	}

	root := rcv.decision.Directory
	if root == "" {
		root = rcv.settings.DownloadDir()
	}
	target, path, err := createTarget(root, desc)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			_ = WriteReply(rcv.conn, false)
			tracker.finish(StateFailed, 0, "", err)
			return StateFailed, err
		}
		return rcv.reject(tracker, err)
	}

	if err := WriteReply(rcv.conn, true); err != nil {
		_ = discardTarget(target, path)
		return rcv.fail(tracker, 0, err)
	}

	tracker.transferring()
	var transferred int64
	progress := func(n int64) {
		transferred = n
		tracker.bytes(n)
	}
	err = runPipeline(ctx, rcv.conn, receiveLoader(rcv.conn, desc.Size), receiveDrain(target, desc.Size, progress))
	if err != nil && errors.Is(err, ErrIntegrityMismatch) {
		_ = target.Close()
		s.logger.WithFields(logrus.Fields{
			"file": path,
		}).WithError(err).Warn("Received file failed verification")
		tracker.finish(StateFailed, transferred, path, err)
		return StateFailed, err
	}
	if err != nil {
		if rmErr := discardTarget(target, path); rmErr != nil {
			s.logger.WithError(rmErr).Warn("Failed to delete incomplete file")
		}
		return rcv.fail(tracker, transferred, err)
	}
	if err := target.Close(); err != nil {
		_ = os.Remove(path)
		return rcv.fail(tracker, transferred, filesystemError("close target", err))
	}

	s.logger.WithFields(logrus.Fields{
		"file":  path,
		"bytes": desc.Size,
	}).Info("File received")
	tracker.finish(StateCompleted, desc.Size, path, nil)
	return StateCompleted, nil
}

func (rcv *receiver) reject(tracker *fileTracker, cause error) (State, error) {
	if err := WriteReply(rcv.conn, false); err != nil {
		return rcv.fail(tracker, 0, err)
	}
	tracker.finish(StateRejected, 0, "", cause)
	rcv.session.logger.WithError(cause).Info("Request rejected")
	return StateRejected, nil
}

func (rcv *receiver) fail(tracker *fileTracker, transferred int64, err error) (State, error) {
	state := StateFailed
	if ctx := rcv.session.ctx; ctx.Err() != nil {
		state, err = StateAborted, cancelCause(ctx)
	}
	tracker.finish(state, transferred, "", err)
	return state, err
}

// resolveSender maps the remote address to a roster entry for named requests.
func (rcv *receiver) resolveSender(named bool) (models.Peer, error) {
	if !named {
		return models.Peer{Name: AnonymousName, Address: rcv.remote}, nil
	}
	if rcv.roster != nil {
		if peer, ok := rcv.roster.Lookup(rcv.remote); ok {
			return peer, nil
		}
	}
	return models.Peer{Address: rcv.remote}, fmt.Errorf("%w: %s", ErrIdentityUnresolved, rcv.remote)
}

// decide consults auto-accept and then the Decider. While waiting, a watcher
// reads from the socket so that a peer hanging up cancels the question.
func (rcv *receiver) decide(request IncomingRequest) (Decision, error) {
	if rcv.settings.AutoAccept() {
		return Decision{Accept: true}, nil
	}
	if rcv.decider == nil {
		return Decision{}, nil
	}

	ctx, cancel := context.WithCancelCause(rcv.session.ctx)
	defer cancel(nil)

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		var probe [1]byte
		_, err := rcv.conn.Read(probe[:])
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			cancel(networkError("peer hung up", err))
			return
		}
		cancel(protocolError("data received before reply"))
	}()

	decision, err := rcv.decider.Decide(ctx, request)

	// Stop the watcher without closing the connection.
	cancel(nil)
	_ = rcv.conn.SetReadDeadline(time.Now())
	<-watcherDone
	_ = rcv.conn.SetReadDeadline(time.Time{})

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return Decision{}, cause
	}
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}
