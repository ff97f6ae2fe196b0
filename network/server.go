package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fileshare/models"
)

// AcceptorOptions configures the inbound side.
type AcceptorOptions struct {
	Settings Settings
	Roster   PeerResolver
	Decider  Decider
	Progress ProgressSink
	History  History
	Registry *Registry
	Logger   *logrus.Entry

	HandshakeTimeout time.Duration
}

func (o AcceptorOptions) withDefaults() AcceptorOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "acceptor")
	}
	return o
}

// Acceptor owns the transfer listener and spawns a receive session per connection.
type Acceptor struct {
	listener net.Listener
	options  AcceptorOptions

	ctx    context.Context
	cancel context.CancelCauseFunc
	errs   chan error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts accepting until ctx is cancelled or Close is called.
func Listen(ctx context.Context, address string, options AcceptorOptions) (*Acceptor, error) {
	opts := options.withDefaults()
	if opts.Settings == nil {
		return nil, errors.New("network: acceptor requires settings")
	}

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultTransferPort)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	acceptCtx, cancel := context.WithCancelCause(ctx)
	a := &Acceptor{
		listener: listener,
		options:  opts,
		ctx:      acceptCtx,
		cancel:   cancel,
		errs:     make(chan error, 16),
	}

	context.AfterFunc(acceptCtx, func() {
		_ = a.listener.Close()
	})

	a.wg.Add(1)
	go a.acceptLoop()
	opts.Logger.WithField("address", listener.Addr().String()).Info("Accepting transfers")
	return a, nil
}

// Addr returns the listening address.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Errors returns asynchronous accept errors.
func (a *Acceptor) Errors() <-chan error {
	return a.errs
}

// Close stops accepting, cancels every receive session and waits for them.
func (a *Acceptor) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		a.cancel(ErrCancelled)
		closeErr = a.listener.Close()
		if errors.Is(closeErr, net.ErrClosed) {
			closeErr = nil
		}
		a.wg.Wait()
		close(a.errs)
	})
	return closeErr
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		a.handleInboundConn(conn)
	}
}

// handleInboundConn applies the ghost gate and hands conn to a new receive session.
func (a *Acceptor) handleInboundConn(conn net.Conn) {
	remote := remoteAddr(conn)
	if a.options.Settings.Ghost() {
		a.options.Logger.WithField("remote", remote.String()).Debug("Ghost mode: dropping connection")
		_ = conn.Close()
		return
	}

	session := newSession(a.ctx, DirectionReceive, models.Peer{Address: remote},
		a.options.Progress, a.options.History, a.options.Logger)
	rcv := &receiver{
		session:          session,
		conn:             conn,
		remote:           remote,
		settings:         a.options.Settings,
		roster:           a.options.Roster,
		decider:          a.options.Decider,
		handshakeTimeout: a.options.HandshakeTimeout,
	}

	a.wg.Add(1)
	a.options.Registry.run(session, func() {
		defer a.wg.Done()
		rcv.run()
	})
}

func (a *Acceptor) reportError(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, net.ErrClosed) {
		return
	}

	a.options.Logger.WithError(err).Warn("Accept failed")
	select {
	case a.errs <- err:
	default:
	}
}
