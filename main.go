package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"fileshare/config"
	"fileshare/discovery"
	"fileshare/models"
	"fileshare/network"
	"fileshare/storage"
	"fileshare/ui"
)

const usage = `usage:
  fileshare                      run the node until interrupted
  fileshare send <peer-ip> <path> send a file or folder to a peer
  fileshare peers                 listen for one beacon interval and list peers
  fileshare history [limit]       print recent transfers
  fileshare ghost on|off          stop or resume announcing and receiving
  fileshare autoaccept on|off     accept incoming transfers without asking
  fileshare picture [path]        set or clear the advertised picture`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		logrus.WithError(err).Error("fileshare failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logrus.SetLevel(cfg.ParseLogLevel())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	live := config.NewLive(cfgPath, cfg)
	if err := live.LoadPicture(); err != nil {
		logrus.WithError(err).WithField("path", cfg.PicturePath).Warn("Ignoring profile picture")
	}

	command := ""
	if len(args) > 0 {
		command = args[0]
	}
	switch command {
	case "":
		return runNode(ctx, live, cfgPath)
	case "send":
		if len(args) != 3 {
			return errors.New(usage)
		}
		return runSend(ctx, live, cfgPath, args[1], args[2])
	case "peers":
		return runPeers(ctx, live)
	case "history":
		limit := storage.DefaultListLimit
		if len(args) > 1 {
			if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil {
				return fmt.Errorf("invalid limit %q", args[1])
			}
		}
		return runHistory(cfgPath, limit)
	case "ghost", "autoaccept":
		if len(args) != 2 {
			return errors.New(usage)
		}
		on, err := parseSwitch(args[1])
		if err != nil {
			return err
		}
		if command == "ghost" {
			err = live.SetGhost(on)
		} else {
			err = live.SetAutoAccept(on)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", command, args[1])
		return nil
	case "picture":
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		if err := live.SetPicture(path); err != nil {
			return err
		}
		if path == "" {
			fmt.Println("Picture cleared.")
			return nil
		}
		fmt.Printf("Picture set (%s).\n", humanize.IBytes(uint64(len(live.Picture()))))
		return nil
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func parseSwitch(value string) (bool, error) {
	switch value {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", value)
	}
}

// presence adapts the live settings to what the beacon advertises.
type presence struct {
	live *config.Live
}

func (p presence) Presence() discovery.Presence {
	return discovery.Presence{
		Name:    p.live.DisplayName(),
		Picture: p.live.Picture(),
		Ghost:   p.live.Ghost(),
	}
}

func beaconConfig(cfg config.DeviceConfig) discovery.BeaconConfig {
	return discovery.BeaconConfig{
		Group:      cfg.MulticastGroup,
		Port:       cfg.BeaconPort,
		Interface:  cfg.MulticastInterface,
		Recurrence: time.Duration(cfg.BeaconIntervalSeconds) * time.Second,
		Clock:      clock.New(),
		Logger:     logrus.WithField("component", "beacon"),
	}
}

func openHistory(cfgPath string, cfg config.DeviceConfig) (*storage.Store, error) {
	if !cfg.HistoryEnabled {
		return nil, nil
	}
	store, dbPath, err := storage.Open(dataDirOf(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("open transfer history: %w", err)
	}
	logrus.WithField("path", dbPath).Debug("Transfer history opened")
	return store, nil
}

func dataDirOf(cfgPath string) string {
	return filepath.Dir(cfgPath)
}

func runNode(ctx context.Context, live *config.Live, cfgPath string) error {
	cfg := live.Snapshot()

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Display Name:    %s\n", cfg.DisplayName)
	fmt.Printf("Transfer Port:   %d\n", cfg.TransferPort)
	fmt.Printf("Beacon:          [%s]:%d\n", cfg.MulticastGroup, cfg.BeaconPort)
	fmt.Printf("Download Folder: %s\n", cfg.DownloadDir)
	fmt.Printf("Config File:     %s\n", cfgPath)

	store, err := openHistory(cfgPath, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore(store)
	}

	roster := discovery.NewRoster(clock.New())
	go logRosterEvents(roster.Events())

	beacon, err := discovery.NewBeacon(beaconConfig(cfg), presence{live: live}, roster)
	if err != nil {
		return err
	}
	if err := beacon.Start(ctx); err != nil {
		return err
	}
	defer beacon.Stop()

	if cfg.AdvertiseMDNS {
		advertiser, err := discovery.StartAdvertiser(discovery.AdvertiseConfig{
			DeviceID:     cfg.DeviceID,
			DeviceName:   cfg.DisplayName,
			TransferPort: cfg.TransferPort,
		})
		if err != nil {
			logrus.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer advertiser.Stop()
		}
	}

	board := ui.NewProgressBoard(os.Stdout)
	manager, err := network.NewManager(network.ManagerOptions{
		TransferPort:     cfg.TransferPort,
		Settings:         live,
		Roster:           roster,
		Decider:          ui.NewConsole(os.Stdin, os.Stdout),
		Progress:         board.Sink(),
		History:          historyOrNil(store),
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start transfer listener: %w", err)
	}
	defer manager.Stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	select {
	case <-ctx.Done():
	case <-beacon.Done():
		if err := beacon.Err(); err != nil {
			return err
		}
	}
	fmt.Println("Status:          shutting down")
	return nil
}

func runSend(ctx context.Context, live *config.Live, cfgPath, target, path string) error {
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", target, err)
	}
	cfg := live.Snapshot()

	store, err := openHistory(cfgPath, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore(store)
	}

	board := ui.NewProgressBoard(os.Stdout)
	manager, err := network.NewManager(network.ManagerOptions{
		// a one-shot sender does not take inbound transfers
		ListenAddress:    "localhost:0",
		TransferPort:     cfg.TransferPort,
		Settings:         live,
		Progress:         board.Sink(),
		History:          historyOrNil(store),
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	session, err := manager.SendPath(models.Peer{Name: addr.String(), Address: addr}, path)
	if err != nil {
		return err
	}
	<-session.Done()

	switch session.State() {
	case network.StateCompleted:
		return nil
	case network.StateRejected:
		return network.ErrRejected
	default:
		return session.Err()
	}
}

func runPeers(ctx context.Context, live *config.Live) error {
	cfg := live.Snapshot()
	bcfg := beaconConfig(cfg)

	roster := discovery.NewRoster(clock.New())
	beacon, err := discovery.NewBeacon(bcfg, presence{live: live}, roster)
	if err != nil {
		return err
	}
	if err := beacon.Start(ctx); err != nil {
		return err
	}

	wait := bcfg.Recurrence + time.Second
	if wait <= time.Second {
		wait = discovery.DefaultRecurrence + time.Second
	}
	fmt.Printf("Listening for %s...\n", wait)
	select {
	case <-ctx.Done():
	case <-beacon.Done():
	case <-time.After(wait):
	}
	beacon.Stop()
	if err := beacon.Err(); err != nil {
		return err
	}

	peers := roster.List()
	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPICTURE\tLAST SEEN")
	for _, peer := range peers {
		picture := "-"
		if peer.HasPicture() {
			picture = humanize.IBytes(uint64(len(peer.Picture)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.Name, peer.Address, picture, humanize.Time(peer.LastSeen))
	}
	return w.Flush()
}

func runHistory(cfgPath string, limit int) error {
	store, _, err := storage.Open(dataDirOf(cfgPath))
	if err != nil {
		return err
	}
	defer closeStore(store)

	transfers, err := store.ListTransfers(limit)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		fmt.Println("No transfers recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tDIRECTION\tPEER\tFILE\tSIZE\tSTATUS")
	for _, transfer := range transfers {
		peer := transfer.PeerName
		if peer == "" {
			peer = transfer.PeerAddress
		}
		status := transfer.Status
		if transfer.Error != "" {
			status += " (" + transfer.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(time.UnixMilli(transfer.StartedAt)),
			transfer.Direction,
			peer,
			transfer.Filename,
			humanize.IBytes(uint64(transfer.Filesize)),
			status)
	}
	return w.Flush()
}

// historyOrNil keeps a nil *storage.Store from becoming a non-nil interface.
func historyOrNil(store *storage.Store) network.History {
	if store == nil {
		return nil
	}
	return store
}

func closeStore(store *storage.Store) {
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("Closing transfer history failed")
	}
}

func logRosterEvents(events <-chan discovery.Event) {
	for event := range events {
		entry := logrus.WithFields(logrus.Fields{
			"name":    event.Peer.Name,
			"address": event.Peer.Address,
		})
		switch event.Type {
		case discovery.EventPeerUpserted:
			entry.Info("Peer available")
		case discovery.EventPeerRemoved:
			entry.Info("Peer gone")
		default:
			entry.WithField("event", event.Type).Debug("Roster event")
		}
	}
}
