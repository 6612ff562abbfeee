package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/changeguard/internal/event"
)

// Record is one persisted change event.
type Record struct {
	ID int64 `json:"id"`
	// Session is the daemon session that recorded the event.
	Session string `json:"session"`
	// Group is the WatcherGroup the event was aggregated into.
	Group string `json:"group"`
	// Identity is the canonical identity the event was counted under.
	Identity string             `json:"identity"`
	Event    *event.ChangeEvent `json:"event"`
}

// AppendEvent stores an accepted event and returns its row id.
func (db *DB) AppendEvent(ctx context.Context, rec Record) (int64, error) {
	if rec.Event == nil {
		return 0, fmt.Errorf("record has no event")
	}
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	identity := rec.Identity
	if identity == "" {
		identity = rec.Event.Identity
	}

	query := `
	INSERT INTO events (family, identity, grp, kind, ts, session, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.conn.ExecContext(ctx, query,
		string(rec.Event.Family),
		identity,
		rec.Group,
		string(rec.Event.Kind),
		rec.Event.Timestamp.UTC().UnixNano(),
		rec.Session,
		string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return res.LastInsertId()
}

// LoadEvents returns every stored event of family in insertion order with the
// group and identity it was recorded under, ready to replay into an
// aggregation store.
func (db *DB) LoadEvents(ctx context.Context, family event.Family) ([]Record, error) {
	return db.QueryEvents(ctx, Filter{Family: family, Ascending: true})
}

// Filter selects events for QueryEvents. Zero fields match everything.
type Filter struct {
	Family   event.Family
	Identity string
	Session  string
	Since    time.Time
	Until    time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Ascending returns oldest first; the default is newest first.
	Ascending bool
}

// QueryEvents returns stored events matching filter.
func (db *DB) QueryEvents(ctx context.Context, filter Filter) ([]Record, error) {
	var conditions []string
	var args []interface{}

	if filter.Family != "" {
		conditions = append(conditions, "family = ?")
		args = append(args, string(filter.Family))
	}
	if filter.Identity != "" {
		conditions = append(conditions, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.Session != "" {
		conditions = append(conditions, "session = ?")
		args = append(args, filter.Session)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "ts < ?")
		args = append(args, filter.Until.UTC().UnixNano())
	}

	query := `SELECT id, session, grp, identity, payload FROM events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if filter.Ascending {
		query += " ORDER BY id ASC"
	} else {
		query += " ORDER BY ts DESC, id DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID, &r.Session, &r.Group, &r.Identity, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev event.ChangeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %d: %w", r.ID, err)
		}
		r.Event = &ev
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return recs, nil
}

// HistoryRoots returns the distinct groups recorded for family, sorted.
func (db *DB) HistoryRoots(ctx context.Context, family event.Family) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT grp FROM events WHERE family = ? ORDER BY grp`, string(family))
	if err != nil {
		return nil, fmt.Errorf("failed to query history roots: %w", err)
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var grp string
		if err := rows.Scan(&grp); err != nil {
			return nil, fmt.Errorf("failed to scan root: %w", err)
		}
		roots = append(roots, grp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roots: %w", err)
	}
	return roots, nil
}

// CountEvents returns the number of stored events of family.
func (db *DB) CountEvents(ctx context.Context, family event.Family) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE family = ?`, string(family)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// ClearEvents deletes the stored history of family and returns how many rows
// were removed.
func (db *DB) ClearEvents(ctx context.Context, family event.Family) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM events WHERE family = ?`, string(family))
	if err != nil {
		return 0, fmt.Errorf("failed to clear events: %w", err)
	}
	return res.RowsAffected()
}
