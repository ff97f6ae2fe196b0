package network

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fileshare/models"
)

// Direction tells whether the local side is pushing or pulling bytes.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// State is the lifecycle position of a session or of one file within it.
type State int

const (
	StateHandshaking State = iota
	StateTransferring
	StateCompleted
	StateRejected
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Progress is the snapshot handed to the progress sink.
type Progress struct {
	SessionID        string
	Direction        Direction
	PeerName         string
	PeerAddress      netip.Addr
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
	Activity         string
	IsError          bool
	State            State
	Err              error
}

// ProgressSink receives progress updates. It must not block for long.
type ProgressSink func(Progress)

// Settings exposes the live local settings sessions consult.
type Settings interface {
	DisplayName() string
	Ghost() bool
	AutoAccept() bool
	DownloadDir() string
}

// PeerResolver maps a remote address to a known peer.
type PeerResolver interface {
	Lookup(addr netip.Addr) (models.Peer, bool)
}

// IncomingRequest is surfaced to the Decider for the first file of a connection.
type IncomingRequest struct {
	SessionID  string
	Sender     models.Peer
	Named      bool
	Descriptor models.TransferDescriptor
}

// Decision is the user's answer to an IncomingRequest. Directory overrides
// the download directory when not empty.
type Decision struct {
	Accept    bool
	Directory string
}

// Decider asks the user whether an incoming transfer should be accepted.
// Decide must return when ctx is cancelled.
type Decider interface {
	Decide(ctx context.Context, request IncomingRequest) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, request IncomingRequest) (Decision, error)

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, request IncomingRequest) (Decision, error) {
	return f(ctx, request)
}

// History persists per-file outcomes.
type History interface {
	SaveTransfer(transfer models.Transfer) error
	FinishTransfer(transferID, status, storedPath, errMessage string, finishedAt int64) error
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID        string
	Direction Direction
	Peer      models.Peer
	State     State
	FileName  string
	StartedAt time.Time
}

// Session is one connection's worth of transfers, in either direction.
type Session struct {
	id        string
	direction Direction
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	sink    ProgressSink
	history History
	logger  *logrus.Entry

	mu       sync.Mutex
	peer     models.Peer
	state    State
	fileName string
	err      error
	done     chan struct{}
}

func newSession(parent context.Context, direction Direction, peer models.Peer, sink ProgressSink, history History, logger *logrus.Entry) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	id := uuid.NewString()
	return &Session{
		id:        id,
		direction: direction,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		sink:      sink,
		history:   history,
		logger: logger.WithFields(logrus.Fields{
			"session":   id,
			"direction": direction,
		}),
		peer:  peer.Clone(),
		state: StateHandshaking,
		done:  make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Cancel aborts the session. Partial files are removed.
func (s *Session) Cancel() {
	s.cancel(ErrCancelled)
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:        s.id,
		Direction: s.direction,
		Peer:      s.peer.Clone(),
		State:     s.state,
		FileName:  s.fileName,
		StartedAt: s.startedAt,
	}
}

func (s *Session) setPeer(peer models.Peer) {
	s.mu.Lock()
	s.peer = peer.Clone()
	s.mu.Unlock()
}

func (s *Session) setState(state State, fileName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = state
	if fileName != "" {
		s.fileName = fileName
	}
}

// finish moves the session to its terminal state exactly once.
func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = err
	fileName := s.fileName
	s.mu.Unlock()

	s.report(Progress{
		FileName: fileName,
		Activity: ActivityFor(err),
		IsError:  err != nil,
		State:    state,
		Err:      err,
	})

	s.cancel(nil)
	close(s.done)

	entry := s.logger.WithField("state", state)
	if err != nil {
		entry.WithError(err).Warn("Session ended")
		return
	}
	entry.Info("Session ended")
}

func (s *Session) report(p Progress) {
	if s.sink == nil {
		return
	}
	s.mu.Lock()
	p.SessionID = s.id
	p.Direction = s.direction
	p.PeerName = s.peer.Name
	p.PeerAddress = s.peer.Address
	s.mu.Unlock()
	s.sink(p)
}

// fileTracker reports progress and history for one file of a session.
type fileTracker struct {
	session    *Session
	transferID string
	name       string
	total      int64
	lastReport time.Time
}

func (s *Session) trackFile(name string, total int64) *fileTracker {
	s.setState(StateHandshaking, name)
	tracker := &fileTracker{
		session:    s,
		transferID: uuid.NewString(),
		name:       name,
		total:      total,
	}

	if s.history != nil {
		peer := s.Info().Peer
		err := s.history.SaveTransfer(models.Transfer{
			TransferID:  tracker.transferID,
			SessionID:   s.id,
			Direction:   string(s.direction),
			PeerAddress: peer.Address.String(),
			PeerName:    peer.Name,
			Filename:    name,
			Filesize:    total,
			Status:      StateHandshaking.String(),
			StartedAt:   time.Now().UnixMilli(),
		})
		if err != nil {
			s.logger.WithError(err).Warn("Failed to record transfer history")
		}
	}

	s.report(Progress{
		FileName:   name,
		TotalBytes: total,
		Activity:   "Waiting for the other side...",
		State:      StateHandshaking,
	})
	return tracker
}

func (t *fileTracker) transferring() {
	t.session.setState(StateTransferring, t.name)
	t.session.report(Progress{
		FileName:   t.name,
		TotalBytes: t.total,
		Activity:   "Transferring file...",
		State:      StateTransferring,
	})
}

// bytes reports the running byte count, throttled except for the final chunk.
func (t *fileTracker) bytes(n int64) {
	now := time.Now()
	if n < t.total && now.Sub(t.lastReport) < 50*time.Millisecond {
		return
	}
	t.lastReport = now
	t.session.report(Progress{
		FileName:         t.name,
		BytesTransferred: n,
		TotalBytes:       t.total,
		Activity:         "Transferring file...",
		State:            StateTransferring,
	})
}

func (t *fileTracker) finish(state State, transferred int64, storedPath string, err error) {
	t.session.report(Progress{
		FileName:         t.name,
		BytesTransferred: transferred,
		TotalBytes:       t.total,
		Activity:         ActivityFor(err),
		IsError:          err != nil,
		State:            state,
		Err:              err,
	})

	if t.session.history == nil {
		return
	}
	var message string
	if err != nil {
		message = err.Error()
	}
	if herr := t.session.history.FinishTransfer(t.transferID, state.String(), storedPath, message, time.Now().UnixMilli()); herr != nil {
		t.session.logger.WithError(herr).Warn("Failed to update transfer history")
	}
}

// Registry tracks live sessions so they can be listed and cancelled.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// run registers s, runs fn in a goroutine and unregisters s when fn returns.
func (r *Registry) run(s *Session, fn func()) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.sessions, s.id)
			r.mu.Unlock()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				s.finish(StateFailed, fmt.Errorf("session panic: %v", rec))
			}
		}()
		fn()
	}()
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns snapshots of live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// CancelAll cancels every live session.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.Cancel()
	}
}

// Wait blocks until every session started through the registry returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
