// Package journal records answered exchanges in SQLite for later inspection.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record stores an answered exchange. Recording the same id twice fails.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("exchange id is empty")
	}
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint is empty")
	}
	if e.Outcome == "" {
		return fmt.Errorf("outcome is empty")
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO exchange_log(
  id, endpoint, control_id, message_type, outcome, nack, closed, reason, error,
  received_at, responded_at, elapsed_ms, request, response
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		e.ID, e.Endpoint, e.ControlID, e.MessageType, e.Outcome, e.Nack, e.Closed,
		nullString(e.Reason), nullString(e.Error),
		formatTime(e.ReceivedAt), formatTime(e.RespondedAt), e.Elapsed.Milliseconds(),
		nullString(e.Request), nullString(e.Response),
	)
	if err != nil {
		return fmt.Errorf("record exchange %s: %w", e.ID, err)
	}
	return nil
}

// RecordDiscard notes a completion that lost the race for an exchange.
func (j *Journal) RecordDiscard(ctx context.Context, exchangeID, endpoint, source string) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO exchange_discard(exchange_id, endpoint, source, created_at)
VALUES(?, ?, ?, ?);
`, exchangeID, endpoint, source, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record discard for %s: %w", exchangeID, err)
	}
	return nil
}

const selectColumns = `
  l.id, l.endpoint, l.control_id, l.message_type, l.outcome, l.nack, l.closed, l.reason, l.error,
  l.received_at, l.responded_at, l.elapsed_ms, l.request, l.response,
  (SELECT COUNT(*) FROM exchange_discard d WHERE d.exchange_id = l.id)
`

// Get returns the exchange with id, including the request and response.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT`+selectColumns+`FROM exchange_log l WHERE l.id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExchangeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exchange %s: %w", id, err)
	}
	return e, nil
}

// List returns the most recent exchanges matching f, newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Endpoint != "" {
		where = append(where, "l.endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.Outcome != "" {
		where = append(where, "l.outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.ControlID != "" {
		where = append(where, "l.control_id = ?")
		args = append(args, f.ControlID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT` + selectColumns + `FROM exchange_log l`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY l.responded_at DESC, l.rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// Prune deletes exchanges answered before now minus retention and returns
// how many were removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM exchange_log WHERE responded_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune exchanges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exchange_discard WHERE created_at < ?;`, cutoff); err != nil {
		return 0, fmt.Errorf("prune discards: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e          Entry
		reason     sql.NullString
		errText    sql.NullString
		request    sql.NullString
		response   sql.NullString
		receivedS  string
		respondedS string
		elapsedMS  int64
	)
	if err := s.Scan(
		&e.ID, &e.Endpoint, &e.ControlID, &e.MessageType, &e.Outcome, &e.Nack, &e.Closed, &reason, &errText,
		&receivedS, &respondedS, &elapsedMS, &request, &response, &e.Discards,
	); err != nil {
		return nil, err
	}

	e.Reason = reason.String
	e.Error = errText.String
	e.Request = request.String
	e.Response = response.String
	e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	if t, err := time.Parse(timeLayout, receivedS); err == nil {
		e.ReceivedAt = t
	}
	if t, err := time.Parse(timeLayout, respondedS); err == nil {
		e.RespondedAt = t
	}
	return &e, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
