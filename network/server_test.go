package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshare/models"
)

func TestManagerLifecycle(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	require.Error(t, err)

	manager, err := NewManager(ManagerOptions{
		ListenAddress: "127.0.0.1:0",
		Settings:      &testSettings{downloadDir: t.TempDir()},
	})
	require.NoError(t, err)

	_, err = manager.SendPath(models.Peer{Address: localhost}, t.TempDir())
	assert.ErrorIs(t, err, ErrNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Start(ctx))
	require.Error(t, manager.Start(ctx))
	require.NotNil(t, manager.Acceptor())

	addr := manager.Acceptor().Addr().String()
	manager.Stop()
	manager.Stop()

	_, err = net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err, "listener must be closed after Stop")
	assert.False(t, manager.Cancel("missing"))
}

func TestAcceptorStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	acceptor, err := Listen(ctx, "127.0.0.1:0", AcceptorOptions{
		Settings: &testSettings{downloadDir: t.TempDir()},
	})
	require.NoError(t, err)
	addr := acceptor.Addr().String()

	cancel()
	waitForCondition(t, 2*time.Second, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	})
	require.NoError(t, acceptor.Close())

	_, open := <-acceptor.Errors()
	assert.False(t, open)
}

func TestListenRequiresSettings(t *testing.T) {
	_, err := Listen(context.Background(), "127.0.0.1:0", AcceptorOptions{})
	require.Error(t, err)
}

func TestManagerCancelAbortsPendingSend(t *testing.T) {
	asked := make(chan struct{})
	decider := DeciderFunc(func(ctx context.Context, request IncomingRequest) (Decision, error) {
		close(asked)
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	receiver := startReceiver(t, &testSettings{}, nil, decider)
	manager, sent := startSender(t, receiver.port, &testSettings{ghost: true})

	session, err := manager.SendPath(models.Peer{Address: localhost}, createFixtureFile(t, t.TempDir(), "a.txt", 10))
	require.NoError(t, err)
	select {
	case <-asked:
	case <-time.After(2 * time.Second):
		t.Fatalf("receiver never asked about the transfer")
	}

	require.True(t, manager.Cancel(session.ID()))
	waitDone(t, session)
	assert.Equal(t, StateAborted, session.State())
	assert.ErrorIs(t, session.Err(), ErrCancelled)

	aborted := sent.waitFor(t, time.Second, stateIs(StateAborted))
	assert.Equal(t, "Operation cancelled", aborted.Activity)
	waitForCondition(t, 2*time.Second, func() bool { return len(manager.Sessions()) == 0 })
	assert.False(t, manager.Cancel(session.ID()))
}

func TestSenderEndsConversationAfterUnknownReply(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()

	ended := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			ended <- err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := ReadMessage(conn); err != nil {
			ended <- err
			return
		}
		if _, err := conn.Write([]byte("NO")); err != nil {
			ended <- err
			return
		}
		msg, err := ReadMessage(conn)
		if err == nil && msg.Kind != KindEndOfConversation {
			err = errors.New("expected ENDOC after an unknown reply")
		}
		ended <- err
	}()

	manager, _ := startSender(t, listener.Addr().(*net.TCPAddr).Port, &testSettings{ghost: true})
	session, err := manager.SendPath(models.Peer{Address: localhost}, createFixtureFile(t, t.TempDir(), "a.txt", 10))
	require.NoError(t, err)
	waitDone(t, session)
	assert.Equal(t, StateFailed, session.State())
	assert.ErrorIs(t, session.Err(), ErrProtocolViolation)

	select {
	case err := <-ended:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("fake receiver did not finish")
	}
}

func TestSendPathRacingStopIsRefusedOrTracked(t *testing.T) {
	manager, err := NewManager(ManagerOptions{
		ListenAddress: "127.0.0.1:0",
		TransferPort:  1,
		Settings:      &testSettings{},
	})
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))

	source := createFixtureFile(t, t.TempDir(), "a.txt", 10)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions []*Session
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := manager.SendPath(models.Peer{Address: localhost}, source)
			if err != nil {
				assert.ErrorIs(t, err, ErrNotStarted)
				return
			}
			mu.Lock()
			sessions = append(sessions, session)
			mu.Unlock()
		}()
	}
	manager.Stop()
	wg.Wait()

	_, err = manager.SendPath(models.Peer{Address: localhost}, source)
	assert.ErrorIs(t, err, ErrNotStarted)
	for _, session := range sessions {
		waitDone(t, session)
	}
}
