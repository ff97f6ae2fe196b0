package storage

import (
	"testing"

	"fileshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, transferID, sessionID string, startedAt int64) models.Transfer {
	t.Helper()

	transfer := models.Transfer{
		TransferID:  transferID,
		SessionID:   sessionID,
		Direction:   DirectionReceive,
		PeerAddress: "fe80::1%eth0",
		PeerName:    "Alice",
		Filename:    transferID + ".bin",
		Filesize:    4096,
		Status:      StatusHandshaking,
		StartedAt:   startedAt,
	}
	if err := store.SaveTransfer(transfer); err != nil {
		t.Fatalf("save transfer %q: %v", transferID, err)
	}
	return transfer
}
