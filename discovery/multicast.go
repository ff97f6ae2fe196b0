package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// listenMulticast binds the beacon port, joins the group on every usable
// interface and returns the socket with the destination for outgoing beacons.
func listenMulticast(cfg BeaconConfig) (net.PacketConn, net.Addr, error) {
	group, err := netip.ParseAddr(cfg.Group)
	if err != nil {
		return nil, nil, fmt.Errorf("parse multicast group %q: %w", cfg.Group, err)
	}
	if !group.IsMulticast() {
		return nil, nil, fmt.Errorf("address %s is not a multicast group", group)
	}

	ifaces, err := multicastInterfaces(cfg.Interface)
	if err != nil {
		return nil, nil, err
	}

	groupAddr := &net.UDPAddr{IP: group.AsSlice()}
	if group.Is4() {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, nil, fmt.Errorf("listen udp4 port %d: %w", cfg.Port, err)
		}
		pc := ipv4.NewPacketConn(conn)
		if joinAll(ifaces, func(iface *net.Interface) error { return pc.JoinGroup(iface, groupAddr) }) == 0 {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("join %s: no interface accepted membership", group)
		}
		_ = pc.SetMulticastTTL(1)
		_ = pc.SetMulticastLoopback(true)
		_ = pc.SetMulticastInterface(&ifaces[0])
		return conn, &net.UDPAddr{IP: group.AsSlice(), Port: cfg.Port}, nil
	}

	conn, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", cfg.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp6 port %d: %w", cfg.Port, err)
	}
	pc := ipv6.NewPacketConn(conn)
	if joinAll(ifaces, func(iface *net.Interface) error { return pc.JoinGroup(iface, groupAddr) }) == 0 {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("join %s: no interface accepted membership", group)
	}
	_ = pc.SetMulticastHopLimit(1)
	_ = pc.SetMulticastLoopback(true)
	_ = pc.SetMulticastInterface(&ifaces[0])

	// Link-local groups such as ff02::1 need a zone to be routable.
	return conn, &net.UDPAddr{IP: group.AsSlice(), Port: cfg.Port, Zone: ifaces[0].Name}, nil
}

func joinAll(ifaces []net.Interface, join func(*net.Interface) error) int {
	joined := 0
	for i := range ifaces {
		if err := join(&ifaces[i]); err == nil {
			joined++
		}
	}
	return joined
}

// multicastInterfaces returns the named interface, or every up multicast
// interface with non-loopback ones first.
func multicastInterfaces(name string) ([]net.Interface, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("lookup interface %q: %w", name, err)
		}
		return []net.Interface{*iface}, nil
	}

	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	if len(out) == 0 {
		return nil, errors.New("no multicast-capable interface is up")
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Flags&net.FlagLoopback == 0 && out[j].Flags&net.FlagLoopback != 0
	})
	return out, nil
}
