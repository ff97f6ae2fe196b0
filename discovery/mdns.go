package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_fileshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// AdvertiseConfig describes the transfer service announced over mDNS.
type AdvertiseConfig struct {
	Service string
	Domain  string
	Version int

	DeviceID     string
	DeviceName   string
	TransferPort int

	registerFn registerFunc
}

func (c AdvertiseConfig) withDefaults() AdvertiseConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c AdvertiseConfig) validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.TransferPort <= 0 {
		return errors.New("transfer port must be > 0")
	}
	return nil
}

// Advertiser publishes the TCP transfer port via mDNS so that generic
// service browsers can find it. It never feeds the Roster.
type Advertiser struct {
	cfg    AdvertiseConfig
	server *zeroconf.Server
}

// StartAdvertiser registers the transfer service.
func StartAdvertiser(config AdvertiseConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.TransferPort, cfg.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{cfg: cfg, server: server}, nil
}

func (c AdvertiseConfig) txt() []string {
	return []string{
		"version=" + strconv.Itoa(c.Version),
		"device_id=" + c.DeviceID,
		"name=" + c.DeviceName,
	}
}

// SetName updates the advertised display name.
func (a *Advertiser) SetName(name string) {
	if a == nil || a.server == nil {
		return
	}
	a.cfg.DeviceName = name
	a.server.SetText(a.cfg.txt())
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
