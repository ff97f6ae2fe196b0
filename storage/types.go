package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Transfer statuses mirror the session state names.
const (
	StatusHandshaking  = "handshaking"
	StatusTransferring = "transferring"
	StatusCompleted    = "completed"
	StatusRejected     = "rejected"
	StatusAborted      = "aborted"
	StatusFailed       = "failed"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// DefaultListLimit caps ListTransfers when the caller passes no limit.
const DefaultListLimit = 50

func validateStatus(status string) error {
	switch status {
	case StatusHandshaking, StatusTransferring, StatusCompleted, StatusRejected, StatusAborted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
