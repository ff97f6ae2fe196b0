package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fileshare/models"
)

// ErrNotStarted is returned when the manager is used before Start or after Stop.
var ErrNotStarted = errors.New("network: transfer manager is not running")

// ManagerOptions configures the transfer manager.
type ManagerOptions struct {
	ListenAddress string
	TransferPort  int

	Settings Settings
	Roster   PeerResolver
	Decider  Decider
	Progress ProgressSink
	History  History
	Logger   *logrus.Entry

	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
}

// Manager ties the acceptor, outbound sessions and the session registry together.
type Manager struct {
	options  ManagerOptions
	registry *Registry

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelCauseFunc
	acceptor *Acceptor
	stopping bool
}

// NewManager validates options and applies defaults.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.Settings == nil {
		return nil, errors.New("network: manager requires settings")
	}
	if options.TransferPort <= 0 {
		options.TransferPort = DefaultTransferPort
	}
	if options.ListenAddress == "" {
		options.ListenAddress = fmt.Sprintf(":%d", options.TransferPort)
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.WithField("component", "transfers")
	}

	return &Manager{
		options:  options,
		registry: NewRegistry(),
	}, nil
}

// Start binds the transfer port. Sessions live until ctx is cancelled or Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return errors.New("network: transfer manager already started")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	acceptor, err := Listen(runCtx, m.options.ListenAddress, AcceptorOptions{
		Settings:         m.options.Settings,
		Roster:           m.options.Roster,
		Decider:          m.options.Decider,
		Progress:         m.options.Progress,
		History:          m.options.History,
		Registry:         m.registry,
		Logger:           m.options.Logger.WithField("side", "receive"),
		HandshakeTimeout: m.options.HandshakeTimeout,
	})
	if err != nil {
		cancel(err)
		return err
	}

	m.ctx = runCtx
	m.cancel = cancel
	m.acceptor = acceptor
	return nil
}

// Stop cancels every session, closes the listener and waits for all sessions.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	acceptor := m.acceptor
	m.stopping = true
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel(ErrCancelled)
	if acceptor != nil {
		if err := acceptor.Close(); err != nil {
			m.options.Logger.WithError(err).Warn("Closing acceptor failed")
		}
	}
	m.registry.Wait()
}

// Acceptor returns the running acceptor, or nil before Start.
func (m *Manager) Acceptor() *Acceptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptor
}

// SendPath pushes a file or directory to peer in the background. Directory
// walking happens before connecting, so an empty directory fails immediately.
func (m *Manager) SendPath(peer models.Peer, path string) (*Session, error) {
	m.mu.Lock()
	ctx := m.ctx
	stopping := m.stopping
	m.mu.Unlock()
	if ctx == nil || stopping || ctx.Err() != nil {
		return nil, ErrNotStarted
	}
	if !peer.Address.IsValid() {
		return nil, fmt.Errorf("%w: peer has no address", ErrNetwork)
	}

	files, err := collectFiles(path)
	if err != nil {
		return nil, err
	}

	session := newSession(ctx, DirectionSend, peer, m.options.Progress, m.options.History,
		m.options.Logger.WithField("side", "send"))
	snd := &sender{
		session:        session,
		files:          files,
		address:        peerAddress(peer.Address, m.options.TransferPort),
		settings:       m.options.Settings,
		connectTimeout: m.options.ConnectTimeout,
	}

	// Stop flips stopping under mu before it waits on the registry.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		session.cancel(ErrCancelled)
		return nil, ErrNotStarted
	}
	m.registry.run(session, snd.run)
	return session, nil
}

// Cancel aborts the live session with id.
func (m *Manager) Cancel(id string) bool {
	session, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	session.Cancel()
	return true
}

// Sessions lists live sessions.
func (m *Manager) Sessions() []SessionInfo {
	return m.registry.List()
}
