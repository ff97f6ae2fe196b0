package ui

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"fileshare/network"
)

// DefaultPrintInterval spaces out byte-count lines for a single file.
const DefaultPrintInterval = 500 * time.Millisecond

// ProgressBoard keeps the latest progress of every file seen, keyed by
// session and file name, and prints a line on each state change.
type ProgressBoard struct {
	out      io.Writer
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]boardEntry
}

type boardEntry struct {
	progress  network.Progress
	printedAt time.Time
}

// NewProgressBoard prints to out. A nil out keeps the board silent.
func NewProgressBoard(out io.Writer) *ProgressBoard {
	return &ProgressBoard{
		out:      out,
		interval: DefaultPrintInterval,
		now:      time.Now,
		entries:  make(map[string]boardEntry),
	}
}

// Sink returns the function handed to the transfer manager.
func (b *ProgressBoard) Sink() network.ProgressSink {
	return b.Update
}

// Update stores one progress snapshot.
func (b *ProgressBoard) Update(p network.Progress) {
	if b == nil || p.SessionID == "" {
		return
	}
	key := p.SessionID + "/" + p.FileName
	now := b.now()

	b.mu.Lock()
	prev, seen := b.entries[key]
	emit := !seen || prev.progress.State != p.State || now.Sub(prev.printedAt) >= b.interval
	entry := boardEntry{progress: p, printedAt: prev.printedAt}
	if emit {
		entry.printedAt = now
	}
	b.entries[key] = entry
	if emit && b.out != nil {
		fmt.Fprintln(b.out, FormatProgress(p))
	}
	b.mu.Unlock()
}

// Progress returns the latest snapshot for one file.
func (b *ProgressBoard) Progress(sessionID, fileName string) (network.Progress, bool) {
	if b == nil {
		return network.Progress{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[sessionID+"/"+fileName]
	return entry.progress, ok
}

// Active lists files whose state is not terminal, ordered by session then file.
func (b *ProgressBoard) Active() []network.Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := make([]network.Progress, 0, len(b.entries))
	for _, entry := range b.entries {
		if !entry.progress.State.Terminal() {
			active = append(active, entry.progress)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].SessionID != active[j].SessionID {
			return active[i].SessionID < active[j].SessionID
		}
		return active[i].FileName < active[j].FileName
	})
	return active
}

// FormatProgress renders one progress line.
func FormatProgress(p network.Progress) string {
	arrow := "->"
	if p.Direction == network.DirectionReceive {
		arrow = "<-"
	}
	peer := p.PeerName
	if peer == "" {
		peer = p.PeerAddress.String()
	}

	line := fmt.Sprintf("%s %s %s: %s", arrow, peer, p.FileName, p.Activity)
	if p.TotalBytes > 0 && p.State == network.StateTransferring {
		percent := float64(p.BytesTransferred) * 100 / float64(p.TotalBytes)
		line += fmt.Sprintf(" %s / %s (%.0f%%)",
			humanize.IBytes(uint64(p.BytesTransferred)),
			humanize.IBytes(uint64(p.TotalBytes)),
			percent)
	}
	if p.IsError {
		line = "! " + line
	}
	return line
}
