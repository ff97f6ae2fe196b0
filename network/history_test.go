package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshare/models"
)

type memHistory struct {
	mu        sync.Mutex
	transfers map[string]models.Transfer
}

func newMemHistory() *memHistory {
	return &memHistory{transfers: make(map[string]models.Transfer)}
}

func (h *memHistory) SaveTransfer(transfer models.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers[transfer.TransferID] = transfer
	return nil
}

func (h *memHistory) FinishTransfer(transferID, status, storedPath, errMessage string, finishedAt int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	transfer := h.transfers[transferID]
	transfer.Status = status
	if storedPath != "" {
		transfer.StoredPath = storedPath
	}
	transfer.Error = errMessage
	transfer.FinishedAt = finishedAt
	h.transfers[transferID] = transfer
	return nil
}

func (h *memHistory) finished(direction Direction) []models.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.Transfer
	for _, transfer := range h.transfers {
		if transfer.Direction == string(direction) && transfer.FinishedAt != 0 {
			out = append(out, transfer)
		}
	}
	return out
}

func TestTransfersAreRecordedOnBothSides(t *testing.T) {
	receiveHistory := newMemHistory()
	downloads := t.TempDir()
	acceptor, err := Listen(context.Background(), "127.0.0.1:0", AcceptorOptions{
		Settings:         &testSettings{autoAccept: true, downloadDir: downloads},
		History:          receiveHistory,
		HandshakeTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = acceptor.Close()
	})

	sendHistory := newMemHistory()
	manager, err := NewManager(ManagerOptions{
		ListenAddress: "127.0.0.1:0",
		TransferPort:  acceptor.Addr().(*net.TCPAddr).Port,
		Settings:      &testSettings{ghost: true},
		History:       sendHistory,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)

	source := createFixtureFile(t, t.TempDir(), "notes.txt", 3000)
	session, err := manager.SendPath(models.Peer{Name: "bob", Address: localhost}, source)
	require.NoError(t, err)
	waitDone(t, session)
	require.NoError(t, session.Err())

	sent := sendHistory.finished(DirectionSend)
	require.Len(t, sent, 1)
	assert.Equal(t, "notes.txt", sent[0].Filename)
	assert.Equal(t, int64(3000), sent[0].Filesize)
	assert.Equal(t, StateCompleted.String(), sent[0].Status)
	assert.Equal(t, session.ID(), sent[0].SessionID)
	assert.Equal(t, "bob", sent[0].PeerName)
	assert.Empty(t, sent[0].Error)

	var received []models.Transfer
	waitForCondition(t, 5*time.Second, func() bool {
		received = receiveHistory.finished(DirectionReceive)
		return len(received) == 1
	})
	assert.Equal(t, StateCompleted.String(), received[0].Status)
	assert.Equal(t, "127.0.0.1", received[0].PeerAddress)
	assert.FileExists(t, received[0].StoredPath)
}
