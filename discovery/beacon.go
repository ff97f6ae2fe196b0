package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBeaconPort is the UDP port keep-alives are sent to and received on.
	DefaultBeaconPort = 2017
	// DefaultMulticastGroup is the IPv6 all-nodes group.
	DefaultMulticastGroup = "ff02::1"
	// DefaultRecurrence is the interval between keep-alives.
	DefaultRecurrence = 10 * time.Second
)

type listenFunc func(cfg BeaconConfig) (net.PacketConn, net.Addr, error)

// Presence is what the local device advertises in its next keep-alive.
type Presence struct {
	Name    string
	Picture []byte
	Ghost   bool
}

// Identity supplies the current local presence; it is read before every send.
type Identity interface {
	Presence() Presence
}

// BeaconConfig controls the presence beacon.
type BeaconConfig struct {
	Group      string
	Port       int
	Interface  string
	Recurrence time.Duration

	Clock  clock.Clock
	Logger *logrus.Entry

	listenFn listenFunc
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.Group == "" {
		out.Group = DefaultMulticastGroup
	}
	if out.Port <= 0 {
		out.Port = DefaultBeaconPort
	}
	if out.Recurrence <= 0 {
		out.Recurrence = DefaultRecurrence
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "beacon")
	}
	if out.listenFn == nil {
		out.listenFn = listenMulticast
	}
	return out
}

// MaxAge is how long a peer may stay silent before eviction.
func (c BeaconConfig) MaxAge() time.Duration {
	return 2 * c.Recurrence
}

// Beacon periodically announces local presence and feeds received keep-alives into a Roster.
type Beacon struct {
	cfg      BeaconConfig
	identity Identity
	roster   *Roster

	conn net.PacketConn
	dest net.Addr

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	parsers sync.WaitGroup
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// NewBeacon creates a beacon with config defaults applied.
func NewBeacon(config BeaconConfig, identity Identity, roster *Roster) (*Beacon, error) {
	if identity == nil {
		return nil, errors.New("discovery: beacon requires an identity")
	}
	if roster == nil {
		return nil, errors.New("discovery: beacon requires a roster")
	}
	return &Beacon{
		cfg:      config.withDefaults(),
		identity: identity,
		roster:   roster,
		done:     make(chan struct{}),
	}, nil
}

// Start opens the socket and runs the send and receive loops until ctx is
// cancelled, Stop is called or the socket fails.
func (b *Beacon) Start(ctx context.Context) error {
	b.startOnce.Do(func() {
		conn, dest, err := b.cfg.listenFn(b.cfg)
		if err != nil {
			b.startErr = fmt.Errorf("open beacon socket: %w", err)
			close(b.done)
			return
		}
		b.conn = conn
		b.dest = dest
		b.ctx, b.cancel = context.WithCancel(ctx)

		// Closing the socket is the only way to interrupt a blocked ReadFrom.
		context.AfterFunc(b.ctx, func() {
			_ = b.conn.Close()
		})

		b.wg.Add(2)
		go b.sendLoop()
		go b.receiveLoop()
		go func() {
			b.wg.Wait()
			close(b.done)
		}()

		b.cfg.Logger.WithFields(logrus.Fields{
			"group":      b.cfg.Group,
			"port":       b.cfg.Port,
			"recurrence": b.cfg.Recurrence,
		}).Info("Presence beacon started")
	})
	return b.startErr
}

// Stop shuts the beacon down and waits for in-flight datagrams to be applied.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			return
		}
		b.cancel()
		<-b.done
	})
}

// Done is closed when both loops have exited.
func (b *Beacon) Done() <-chan struct{} {
	return b.done
}

// Err returns the socket error that stopped the beacon, if any.
func (b *Beacon) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// LocalAddr returns the bound socket address.
func (b *Beacon) LocalAddr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

func (b *Beacon) fail(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()

	b.cfg.Logger.WithError(err).Error("Presence beacon stopped")
	b.cancel()
}

func (b *Beacon) sendLoop() {
	defer b.wg.Done()

	ticker := b.cfg.Clock.Ticker(b.cfg.Recurrence)
	defer ticker.Stop()

	for {
		if err := b.sendOnce(); err != nil {
			if b.ctx.Err() == nil {
				b.fail(err)
			}
			return
		}
		for _, peer := range b.roster.Evict(b.cfg.MaxAge()) {
			b.cfg.Logger.WithFields(logrus.Fields{
				"peer":    peer.Name,
				"address": peer.Address.String(),
			}).Info("Peer went away")
		}

		select {
		case <-ticker.C:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Beacon) sendOnce() error {
	presence := b.identity.Presence()
	if presence.Ghost {
		return nil
	}

	packet, err := EncodeKeepAlive(presence.Name, presence.Picture)
	if err != nil {
		b.cfg.Logger.WithError(err).Warn("Skipping keep-alive")
		return nil
	}
	if _, err := b.conn.WriteTo(packet, b.dest); err != nil {
		return fmt.Errorf("send keep-alive: %w", err)
	}
	return nil
}

func (b *Beacon) receiveLoop() {
	defer b.wg.Done()
	defer b.parsers.Wait()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			if b.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				b.fail(fmt.Errorf("receive keep-alive: %w", err))
			}
			return
		}
		if n == 0 || buf[0] != KeepAliveTag {
			continue
		}

		addr, ok := datagramSource(from)
		if !ok {
			continue
		}
		packet := append([]byte(nil), buf[:n]...)

		b.parsers.Add(1)
		go func() {
			defer b.parsers.Done()
			b.handleDatagram(addr, packet)
		}()
	}
}

func (b *Beacon) handleDatagram(addr netip.Addr, packet []byte) {
	ka, err := ParseKeepAlive(packet)
	if err != nil {
		b.cfg.Logger.WithError(err).WithField("address", addr.String()).Debug("Dropping datagram")
		return
	}
	if b.ctx.Err() != nil {
		return
	}
	b.roster.Observe(addr, ka)
}

func datagramSource(from net.Addr) (netip.Addr, bool) {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(udp.Zone), true
}
