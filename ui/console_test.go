package ui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshare/models"
	"fileshare/network"
)

func testRequest() network.IncomingRequest {
	return network.IncomingRequest{
		SessionID:  "s-1",
		Sender:     models.Peer{Name: "Alice", Address: netip.MustParseAddr("fe80::1")},
		Named:      true,
		Descriptor: models.TransferDescriptor{RelativeName: "report", Extension: "pdf", Size: 3 * 1024 * 1024},
	}
}

func TestParseAnswer(t *testing.T) {
	cases := []struct {
		line string
		want network.Decision
	}{
		{"y", network.Decision{Accept: true}},
		{"  YES ", network.Decision{Accept: true}},
		{"y /tmp/inbox", network.Decision{Accept: true, Directory: "/tmp/inbox"}},
		{"yes   My Folder ", network.Decision{Accept: true, Directory: "My Folder"}},
		{"n", network.Decision{}},
		{"", network.Decision{}},
		{"yep", network.Decision{}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseAnswer(tc.line), "line %q", tc.line)
	}
}

func TestConsoleDecideReadsAnswer(t *testing.T) {
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("y /tmp/inbox\nn\n"), &out)

	first, err := console.Decide(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, network.Decision{Accept: true, Directory: "/tmp/inbox"}, first)

	second, err := console.Decide(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, second.Accept)

	assert.Contains(t, out.String(), "Alice (fe80::1) wants to send report.pdf (3.0 MiB)")

	_, err = console.Decide(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrInputClosed)
}

func TestConsoleDecideHonoursCancellation(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	var out bytes.Buffer
	console := NewConsole(reader, &out)

	cause := errors.New("sender hung up")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cause)
	}()

	_, err := console.Decide(ctx, testRequest())
	require.ErrorIs(t, err, cause)
}

func TestFormatRequestAnonymousFolder(t *testing.T) {
	request := testRequest()
	request.Sender.Name = ""
	desc, err := models.NewTransferDescriptor("/photos/2024/beach", "jpg", 2048)
	require.NoError(t, err)
	request.Descriptor = desc

	got := FormatRequest(request)
	assert.True(t, strings.HasPrefix(got, network.AnonymousName+" (fe80::1) wants to send a folder"), got)
}
