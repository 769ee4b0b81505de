package offline

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteStore keeps the buffer on local disk so queued actions survive a
// restart while the platform is unreachable.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate offline store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, a model.OfflineAction) (model.OfflineAction, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return model.OfflineAction{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_actions(kind, payload, enqueued_at, attempts, last_error) VALUES(?,?,?,?,?)`,
		string(a.Kind), string(payload), a.EnqueuedAt.UnixMilli(), a.Attempts, nullStr(a.LastError),
	)
	if err != nil {
		return model.OfflineAction{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.OfflineAction{}, err
	}
	a.ID = id
	return a, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.OfflineAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, enqueued_at, attempts, last_error FROM offline_actions ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OfflineAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, a model.OfflineAction) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_actions SET attempts = ?, last_error = ? WHERE id = ?`,
		a.Attempts, nullStr(a.LastError), a.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %d not buffered", a.ID)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, a model.OfflineAction, reason string, at time.Time) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters(action_id, kind, payload, enqueued_at, attempts, last_error, reason, dead_lettered_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Kind), string(payload), a.EnqueuedAt.UnixMilli(), a.Attempts, nullStr(a.LastError), reason, at.UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, a.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id, kind, payload, enqueued_at, attempts, last_error, reason, dead_lettered_at
		 FROM dead_letters ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var (
			d        model.DeadLetter
			kind     string
			payload  string
			enqueued int64
			lastErr  sql.NullString
			deadAt   int64
		)
		if err := rows.Scan(&d.Action.ID, &kind, &payload, &enqueued, &d.Action.Attempts, &lastErr, &d.Reason, &deadAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &d.Action.Payload); err != nil {
			return nil, fmt.Errorf("decode dead letter %d: %w", d.Action.ID, err)
		}
		d.Action.Kind = model.ActionKind(kind)
		d.Action.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		d.Action.LastError = lastErr.String
		d.DeadLetteredAt = time.UnixMilli(deadAt).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanAction(rows *sql.Rows) (model.OfflineAction, error) {
	var (
		a        model.OfflineAction
		kind     string
		payload  string
		enqueued int64
		lastErr  sql.NullString
	)
	if err := rows.Scan(&a.ID, &kind, &payload, &enqueued, &a.Attempts, &lastErr); err != nil {
		return model.OfflineAction{}, err
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return model.OfflineAction{}, fmt.Errorf("decode action %d: %w", a.ID, err)
	}
	a.Kind = model.ActionKind(kind)
	a.EnqueuedAt = time.UnixMilli(enqueued).UTC()
	a.LastError = lastErr.String
	return a, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
