package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testIdentity struct {
	mu       sync.Mutex
	presence Presence
}

func (i *testIdentity) Presence() Presence {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.presence
}

func (i *testIdentity) set(p Presence) {
	i.mu.Lock()
	i.presence = p
	i.mu.Unlock()
}

// loopbackListen binds a unicast socket that sends keep-alives to itself.
func loopbackListen(t *testing.T) listenFunc {
	return func(BeaconConfig) (net.PacketConn, net.Addr, error) {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			return nil, nil, err
		}
		return conn, conn.LocalAddr(), nil
	}
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

func TestBeaconPopulatesRoster(t *testing.T) {
	mock := clock.NewMock()
	roster := NewRoster(mock)
	identity := &testIdentity{presence: Presence{Name: "alice", Picture: []byte("png")}}

	beacon, err := NewBeacon(BeaconConfig{Clock: mock, listenFn: loopbackListen(t)}, identity, roster)
	require.NoError(t, err)
	require.NoError(t, beacon.Start(context.Background()))
	defer beacon.Stop()

	self := netip.MustParseAddr("127.0.0.1")
	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := roster.Lookup(self)
		return ok
	})
	peer, _ := roster.Lookup(self)
	assert.Equal(t, "alice", peer.Name)
	assert.Equal(t, []byte("png"), peer.Picture)

	identity.set(Presence{Name: "alice2"})
	mock.Add(DefaultRecurrence)
	waitForCondition(t, 2*time.Second, func() bool {
		peer, ok := roster.Lookup(self)
		return ok && peer.Name == "alice2"
	})
	peer, _ = roster.Lookup(self)
	assert.Equal(t, []byte("png"), peer.Picture)
}

func TestBeaconGhostSendsNothingAndEvicts(t *testing.T) {
	mock := clock.NewMock()
	roster := NewRoster(mock)
	identity := &testIdentity{presence: Presence{Name: "ghost", Ghost: true}}

	stale := netip.MustParseAddr("10.1.1.1")
	roster.Observe(stale, KeepAlive{Name: "old"})

	beacon, err := NewBeacon(BeaconConfig{Clock: mock, listenFn: loopbackListen(t)}, identity, roster)
	require.NoError(t, err)
	require.NoError(t, beacon.Start(context.Background()))
	defer beacon.Stop()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		mock.Add(DefaultRecurrence)
	}
	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := roster.Lookup(stale)
		return !ok
	})
	_, ok := roster.Lookup(netip.MustParseAddr("127.0.0.1"))
	assert.False(t, ok, "ghost mode must not announce itself")
}

func TestBeaconIgnoresForeignDatagrams(t *testing.T) {
	roster := NewRoster(clock.NewMock())
	identity := &testIdentity{presence: Presence{Ghost: true}}

	beacon, err := NewBeacon(BeaconConfig{Clock: clock.NewMock(), listenFn: loopbackListen(t)}, identity, roster)
	require.NoError(t, err)
	require.NoError(t, beacon.Start(context.Background()))
	defer beacon.Stop()

	conn, err := net.Dial("udp4", beacon.LocalAddr().String())
	require.NoError(t, err)
	defer func() {
		_ = conn.Close()
	}()

	_, _ = conn.Write([]byte("hello"))
	_, _ = conn.Write([]byte{KeepAliveTag, 40, 0, 'x'})
	packet, err := EncodeKeepAlive("mallory", nil)
	require.NoError(t, err)
	_, _ = conn.Write(packet)

	waitForCondition(t, 2*time.Second, func() bool { return roster.Len() == 1 })
	assert.Equal(t, "mallory", roster.List()[0].Name)
}

func TestBeaconStopsWithContextAndReportsStartErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	beacon, err := NewBeacon(BeaconConfig{Clock: clock.NewMock(), listenFn: loopbackListen(t)}, &testIdentity{}, NewRoster(nil))
	require.NoError(t, err)
	require.NoError(t, beacon.Start(ctx))

	cancel()
	select {
	case <-beacon.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("beacon did not stop after context cancellation")
	}
	assert.NoError(t, beacon.Err())

	failing := func(BeaconConfig) (net.PacketConn, net.Addr, error) {
		return nil, nil, errors.New("address in use")
	}
	broken, err := NewBeacon(BeaconConfig{listenFn: failing}, &testIdentity{}, NewRoster(nil))
	require.NoError(t, err)
	require.Error(t, broken.Start(context.Background()))
	broken.Stop()

	_, err = NewBeacon(BeaconConfig{}, nil, NewRoster(nil))
	assert.Error(t, err)
}

func TestBeaconConfigDefaults(t *testing.T) {
	cfg := BeaconConfig{}.withDefaults()
	assert.Equal(t, DefaultMulticastGroup, cfg.Group)
	assert.Equal(t, DefaultBeaconPort, cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.MaxAge())
}
