package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"fileshare/models"
)

const transferColumns = `transfer_id,
	session_id,
	direction,
	peer_address,
	peer_name,
	filename,
	filesize,
	stored_path,
	status,
	error,
	started_at,
	finished_at`

// SaveTransfer inserts a new history row for one file.
func (s *Store) SaveTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.SessionID == "" {
		return errors.New("session_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.Status == "" {
		transfer.Status = StatusHandshaking
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}
	if err := validateStatus(transfer.Status); err != nil {
		return err
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.SessionID,
		transfer.Direction,
		transfer.PeerAddress,
		nullString(transfer.PeerName),
		transfer.Filename,
		transfer.Filesize,
		nullString(transfer.StoredPath),
		transfer.Status,
		nullString(transfer.Error),
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// FinishTransfer records the terminal status of a transfer.
func (s *Store) FinishTransfer(transferID, status, storedPath, errMessage string, finishedAt int64) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	if finishedAt == 0 {
		finishedAt = nowUnixMilli()
	}

	result, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, stored_path = COALESCE(?, stored_path), error = ?, finished_at = ?
		WHERE transfer_id = ?`,
		status,
		nullString(storedPath),
		nullString(errMessage),
		finishedAt,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows for transfer %q: %w", transferID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer loads one history row.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(`SELECT `+transferColumns+` FROM transfers WHERE transfer_id = ?`, transferID)
	transfer, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns the newest transfers first.
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(
		`SELECT `+transferColumns+` FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return transfers, nil
}

// ListSessionTransfers returns every file of one session in start order.
func (s *Store) ListSessionTransfers(sessionID string) ([]models.Transfer, error) {
	rows, err := s.db.Query(
		`SELECT `+transferColumns+` FROM transfers
		WHERE session_id = ?
		ORDER BY started_at, transfer_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list session %q transfers: %w", sessionID, err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		transfer   models.Transfer
		peerName   sql.NullString
		storedPath sql.NullString
		errMessage sql.NullString
		finishedAt sql.NullInt64
	)

	if err := row.Scan(
		&transfer.TransferID,
		&transfer.SessionID,
		&transfer.Direction,
		&transfer.PeerAddress,
		&peerName,
		&transfer.Filename,
		&transfer.Filesize,
		&storedPath,
		&transfer.Status,
		&errMessage,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	transfer.PeerName = peerName.String
	transfer.StoredPath = storedPath.String
	transfer.Error = errMessage.String
	if finishedAt.Valid {
		transfer.FinishedAt = finishedAt.Int64
	}

	return &transfer, nil
}
