package network

import (
	"context"
	"errors"
	"crypto/sha256"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshare/models"
)

type testSettings struct {
	mu          sync.Mutex
	name        string
	ghost       bool
	autoAccept  bool
	downloadDir string
}

func (s *testSettings) DisplayName() string { s.mu.Lock(); defer s.mu.Unlock(); return s.name }
func (s *testSettings) Ghost() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.ghost }
func (s *testSettings) AutoAccept() bool    { s.mu.Lock(); defer s.mu.Unlock(); return s.autoAccept }
func (s *testSettings) DownloadDir() string { s.mu.Lock(); defer s.mu.Unlock(); return s.downloadDir }

type testRoster map[netip.Addr]models.Peer

func (r testRoster) Lookup(addr netip.Addr) (models.Peer, bool) {
	peer, ok := r[addr]
	return peer, ok
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []Progress
}

func (r *progressRecorder) sink(p Progress) {
	r.mu.Lock()
	r.updates = append(r.updates, p)
	r.mu.Unlock()
}

func (r *progressRecorder) find(match func(Progress) bool) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.updates {
		if match(p) {
			return p, true
		}
	}
	return Progress{}, false
}

func (r *progressRecorder) waitFor(t *testing.T, timeout time.Duration, match func(Progress) bool) Progress {
	t.Helper()
	var found Progress
	waitForCondition(t, timeout, func() bool {
		p, ok := r.find(match)
		found = p
		return ok
	})
	return found
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func stateIs(state State) func(Progress) bool {
	return func(p Progress) bool { return p.State == state }
}

var localhost = netip.MustParseAddr("127.0.0.1")

type receiverFixture struct {
	settings *testSettings
	progress *progressRecorder
	acceptor *Acceptor
	registry *Registry
	port     int
}

func startReceiver(t *testing.T, settings *testSettings, roster PeerResolver, decider Decider) *receiverFixture {
	t.Helper()

	if settings.downloadDir == "" {
		settings.downloadDir = t.TempDir()
	}
	recorder := &progressRecorder{}
	registry := NewRegistry()
	acceptor, err := Listen(context.Background(), "127.0.0.1:0", AcceptorOptions{
		Settings:         settings,
		Roster:           roster,
		Decider:          decider,
		Progress:         recorder.sink,
		Registry:         registry,
		HandshakeTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = acceptor.Close()
	})

	return &receiverFixture{
		settings: settings,
		progress: recorder,
		acceptor: acceptor,
		registry: registry,
		port:     acceptor.Addr().(*net.TCPAddr).Port,
	}
}

func startSender(t *testing.T, port int, settings *testSettings) (*Manager, *progressRecorder) {
	t.Helper()

	recorder := &progressRecorder{}
	manager, err := NewManager(ManagerOptions{
		ListenAddress: "127.0.0.1:0",
		TransferPort:  port,
		Settings:      settings,
		Progress:      recorder.sink,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)
	return manager, recorder
}

func waitDone(t *testing.T, session *Session) {
	t.Helper()
	select {
	case <-session.Done():
	case <-time.After(20 * time.Second):
		t.Fatalf("session %s did not finish", session.ID())
	}
}

func dialReceiver(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", peerAddress(localhost, port), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, 8)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, err := conn.Read(buf)
		if err != nil {
			assert.False(t, isTimeout(err), "connection was not closed")
			return
		}
	}
}

func TestSendFileEndToEnd(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	manager, sent := startSender(t, receiver.port, &testSettings{name: "alice", ghost: true})

	source := createFixtureFile(t, t.TempDir(), "movie.bin", 10*1024*1024)
	session, err := manager.SendPath(models.Peer{Name: "bob", Address: localhost}, source)
	require.NoError(t, err)
	waitDone(t, session)
	require.NoError(t, session.Err())
	assert.Equal(t, StateCompleted, session.State())

	done := sent.waitFor(t, time.Second, stateIs(StateCompleted))
	assert.Equal(t, int64(10*1024*1024), done.BytesTransferred)
	assert.Equal(t, "Transfer completed", done.Activity)
	assert.False(t, done.IsError)

	received := receiver.progress.waitFor(t, 5*time.Second, stateIs(StateCompleted))
	assert.Equal(t, AnonymousName, received.PeerName)

	want, err := os.ReadFile(source)
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(receiver.settings.downloadDir, "movie.bin"))
	require.NoError(t, err)
	assert.Equal(t, len(want), len(got))
	assert.Equal(t, sha256.Sum256(want), sha256.Sum256(got))
}

func TestReceiveAvoidsNameCollisions(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	manager, _ := startSender(t, receiver.port, &testSettings{ghost: true})

	source := createFixtureFile(t, t.TempDir(), "report.pdf", 2048)
	for i := 0; i < 3; i++ {
		session, err := manager.SendPath(models.Peer{Address: localhost}, source)
		require.NoError(t, err)
		waitDone(t, session)
		require.NoError(t, session.Err())
	}

	dir := receiver.settings.downloadDir
	waitForCondition(t, 5*time.Second, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 3
	})
	for _, name := range []string{"report.pdf", "report (1).pdf", "report (2).pdf"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestSendDirectory(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	manager, _ := startSender(t, receiver.port, &testSettings{ghost: true})

	root := filepath.Join(t.TempDir(), "album")
	createFixtureFile(t, root, "cover.png", 100)
	createFixtureFile(t, root, filepath.Join("disc1", "track.flac"), 5000)
	createFixtureFile(t, root, filepath.Join("disc1", "notes"), 10)

	session, err := manager.SendPath(models.Peer{Address: localhost}, root)
	require.NoError(t, err)
	waitDone(t, session)
	require.NoError(t, session.Err())

	dir := receiver.settings.downloadDir
	waitForCondition(t, 5*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(dir, "album", "disc1", "track.flac"))
		return err == nil
	})
	assert.FileExists(t, filepath.Join(dir, "album", "cover.png"))
	assert.FileExists(t, filepath.Join(dir, "album", "disc1", "notes"))
}

func TestSendEmptyDirectoryFailsBeforeConnecting(t *testing.T) {
	manager, _ := startSender(t, 1, &testSettings{})

	_, err := manager.SendPath(models.Peer{Address: localhost}, t.TempDir())
	assert.ErrorIs(t, err, ErrEmptyDirectory)
	assert.ErrorIs(t, err, ErrFilesystem)
	assert.Empty(t, manager.Sessions())
}

func TestSendRejectedByDecider(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, request IncomingRequest) (Decision, error) {
		return Decision{Accept: false}, nil
	})
	roster := testRoster{localhost: {Name: "alice", Address: localhost}}
	receiver := startReceiver(t, &testSettings{}, roster, decider)
	manager, sent := startSender(t, receiver.port, &testSettings{name: "alice"})

	session, err := manager.SendPath(models.Peer{Address: localhost}, createFixtureFile(t, t.TempDir(), "a.txt", 10))
	require.NoError(t, err)
	waitDone(t, session)
	assert.Equal(t, StateRejected, session.State())
	assert.ErrorIs(t, session.Err(), ErrRejected)
	sent.waitFor(t, time.Second, stateIs(StateRejected))

	rejected := receiver.progress.waitFor(t, 5*time.Second, stateIs(StateRejected))
	assert.Equal(t, "alice", rejected.PeerName)
	entries, err := os.ReadDir(receiver.settings.downloadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNamedSenderMustBeInRoster(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, testRoster{}, nil)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Named: true, Descriptor: mustDescriptor(t, "x", "txt", 3)}))
	ok, err := ReadReply(conn)
	require.NoError(t, err)
	assert.False(t, ok, "named request from unknown address must be rejected")

	unresolved := receiver.progress.waitFor(t, 2*time.Second, stateIs(StateRejected))
	assert.True(t, unresolved.IsError)
	assert.Equal(t, "Sender is not a known user", unresolved.Activity)
	assert.ErrorIs(t, unresolved.Err, ErrIdentityUnresolved)

	require.NoError(t, WriteHello(conn, Hello{Named: false, Descriptor: mustDescriptor(t, "x", "txt", 3)}))
	ok, err = ReadReply(conn)
	require.NoError(t, err)
	require.True(t, ok, "anonymous request must be accepted")

	payload := []byte("abc")
	digest := sha256.Sum256(payload)
	_, err = conn.Write(payload)
	require.NoError(t, err)
	_, err = conn.Write(digest[:])
	require.NoError(t, err)
	require.NoError(t, WriteEndOfConversation(conn))

	receiver.progress.waitFor(t, 2*time.Second, stateIs(StateCompleted))
	got, err := os.ReadFile(filepath.Join(receiver.settings.downloadDir, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	expectClosed(t, conn)
}

func TestEndOfConversationFirstIsProtocolViolation(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteEndOfConversation(conn))
	expectClosed(t, conn)

	failed := receiver.progress.waitFor(t, 2*time.Second, stateIs(StateFailed))
	assert.True(t, failed.IsError)
	assert.ErrorIs(t, failed.Err, ErrProtocolViolation)
	assert.Equal(t, "Peer sent an invalid request", failed.Activity)
	assert.Equal(t, localhost, failed.PeerAddress)
}

func TestHandshakeTimeoutRejectsAndCloses(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	ok, err := ReadReply(conn)
	require.NoError(t, err)
	assert.False(t, ok)
	expectClosed(t, conn)

	failed := receiver.progress.waitFor(t, 2*time.Second, stateIs(StateFailed))
	assert.ErrorIs(t, failed.Err, ErrHandshakeTimeout)
}

func TestConnectFailureReachesProgressSink(t *testing.T) {
	manager, sent := startSender(t, 1, &testSettings{})

	session, err := manager.SendPath(models.Peer{Address: localhost}, createFixtureFile(t, t.TempDir(), "a.txt", 10))
	require.NoError(t, err)
	waitDone(t, session)
	assert.Equal(t, StateFailed, session.State())
	assert.ErrorIs(t, session.Err(), ErrNetwork)

	failed := sent.waitFor(t, time.Second, stateIs(StateFailed))
	assert.Equal(t, session.ID(), failed.SessionID)
	assert.True(t, failed.IsError)
	assert.ErrorIs(t, failed.Err, ErrNetwork)
}

func TestDeciderErrorAnswersKO(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, request IncomingRequest) (Decision, error) {
		return Decision{}, errors.New("input closed")
	})
	receiver := startReceiver(t, &testSettings{}, nil, decider)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "q", "", 1)}))
	ok, err := ReadReply(conn)
	require.NoError(t, err)
	assert.False(t, ok)
	expectClosed(t, conn)
	receiver.progress.waitFor(t, 2*time.Second, stateIs(StateFailed))
}

func TestGhostModeDropsInboundConnections(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true, ghost: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "x", "", 1)}))
	expectClosed(t, conn)
	assert.Empty(t, receiver.registry.List())
}

func TestCorruptedFileIsKeptAndFlagged(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "data", "bin", 4)}))
	ok, err := ReadReply(conn)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = conn.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, 32))
	require.NoError(t, err)

	failed := receiver.progress.waitFor(t, 2*time.Second, stateIs(StateFailed))
	assert.True(t, failed.IsError)
	assert.Equal(t, "File is corrupted or invalid", failed.Activity)
	assert.FileExists(t, filepath.Join(receiver.settings.downloadDir, "data.bin"))

	// The connection survives for the next file.
	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "next", "", 0)}))
	ok, err = ReadReply(conn)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptedOnlyFileFailsSession(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "data", "bin", 4)}))
	ok, err := ReadReply(conn)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = conn.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = conn.Write(make([]byte, 32))
	require.NoError(t, err)

	failed := receiver.progress.waitFor(t, 2*time.Second, stateIs(StateFailed))
	session, ok := receiver.registry.Get(failed.SessionID)
	require.True(t, ok, "session must stay open after a verification failure")

	require.NoError(t, WriteEndOfConversation(conn))
	waitDone(t, session)
	assert.Equal(t, StateFailed, session.State())
	assert.ErrorIs(t, session.Err(), ErrIntegrityMismatch)

	_, completed := receiver.progress.find(stateIs(StateCompleted))
	assert.False(t, completed, "nothing may be reported complete")
	assert.FileExists(t, filepath.Join(receiver.settings.downloadDir, "data.bin"))
}

func TestCancelMidTransferDeletesPartialFile(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	const size = 1 << 20
	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "big", "iso", size)}))
	ok, err := ReadReply(conn)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = conn.Write(make([]byte, size/2))
	require.NoError(t, err)

	halfway := receiver.progress.waitFor(t, 5*time.Second, func(p Progress) bool {
		return p.State == StateTransferring && p.BytesTransferred > 0
	})
	session, ok := receiver.registry.Get(halfway.SessionID)
	require.True(t, ok)
	session.Cancel()

	waitDone(t, session)
	assert.Equal(t, StateAborted, session.State())
	assert.ErrorIs(t, session.Err(), ErrCancelled)

	aborted := receiver.progress.waitFor(t, 2*time.Second, stateIs(StateAborted))
	assert.True(t, aborted.IsError)
	assert.Equal(t, "Operation cancelled", aborted.Activity)
	assert.NoFileExists(t, filepath.Join(receiver.settings.downloadDir, "big.iso"))
	expectClosed(t, conn)
}

func TestHangupWhileDecidingCancelsQuestion(t *testing.T) {
	asked := make(chan struct{})
	withdrawn := make(chan struct{})
	decider := DeciderFunc(func(ctx context.Context, request IncomingRequest) (Decision, error) {
		close(asked)
		<-ctx.Done()
		close(withdrawn)
		return Decision{}, ctx.Err()
	})
	receiver := startReceiver(t, &testSettings{}, nil, decider)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "q", "", 1)}))
	select {
	case <-asked:
	case <-time.After(2 * time.Second):
		t.Fatalf("decider was not consulted")
	}
	_ = conn.Close()

	select {
	case <-withdrawn:
	case <-time.After(2 * time.Second):
		t.Fatalf("decider context was not cancelled after hangup")
	}
	receiver.progress.waitFor(t, 2*time.Second, stateIs(StateFailed))
}

func TestAcceptorCloseAbortsSessions(t *testing.T) {
	receiver := startReceiver(t, &testSettings{autoAccept: true}, nil, nil)
	conn := dialReceiver(t, receiver.port)

	require.NoError(t, WriteHello(conn, Hello{Descriptor: mustDescriptor(t, "slow", "", 1<<20)}))
	ok, err := ReadReply(conn)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, receiver.acceptor.Close())
	receiver.progress.waitFor(t, 2*time.Second, stateIs(StateAborted))
	waitForCondition(t, 2*time.Second, func() bool {
		return len(receiver.registry.List()) == 0
	})
	assert.NoFileExists(t, filepath.Join(receiver.settings.downloadDir, "slow"))
}
