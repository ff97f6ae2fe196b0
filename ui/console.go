package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"fileshare/network"
)

// ErrInputClosed is returned by Decide once stdin has reached EOF.
var ErrInputClosed = errors.New("ui: input closed")

// Console asks accept/reject questions on a line-oriented terminal.
// Answers are "y", "yes", or "y <folder>" to accept; anything else rejects.
type Console struct {
	out io.Writer

	startOnce sync.Once
	in        io.Reader
	lines     chan string

	// one question at a time
	askMu sync.Mutex
}

// NewConsole reads answers from in and writes prompts to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:    in,
		out:   out,
		lines: make(chan string),
	}
}

func (c *Console) start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.lines)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				c.lines <- scanner.Text()
			}
		}()
	})
}

// Decide implements network.Decider.
func (c *Console) Decide(ctx context.Context, request network.IncomingRequest) (network.Decision, error) {
	c.start()
	c.askMu.Lock()
	defer c.askMu.Unlock()

	fmt.Fprintln(c.out, FormatRequest(request))
	fmt.Fprint(c.out, "Accept? [y/N] (optionally followed by a folder): ")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			fmt.Fprintln(c.out, "Request withdrawn.")
			return network.Decision{}, context.Cause(ctx)
		case line, ok := <-c.lines:
			if !ok {
				return network.Decision{}, ErrInputClosed
			}
			return ParseAnswer(line), nil
		}
	}
}

// ParseAnswer turns one typed line into a decision.
func ParseAnswer(line string) network.Decision {
	line = strings.TrimSpace(line)
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "y", "yes":
		return network.Decision{Accept: true, Directory: strings.TrimSpace(rest)}
	default:
		return network.Decision{}
	}
}

// FormatRequest describes an incoming request the way the prompt shows it.
func FormatRequest(request network.IncomingRequest) string {
	sender := request.Sender.Name
	if sender == "" {
		sender = network.AnonymousName
	}
	desc := request.Descriptor
	if desc.IsDirectory {
		return fmt.Sprintf("%s (%s) wants to send a folder starting with %s (%s)",
			sender, request.Sender.Address, desc.DisplayName(), humanize.IBytes(uint64(desc.Size)))
	}
	return fmt.Sprintf("%s (%s) wants to send %s (%s)",
		sender, request.Sender.Address, desc.DisplayName(), humanize.IBytes(uint64(desc.Size)))
}
