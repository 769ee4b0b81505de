package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
	"github.com/LeventeLantos/post-scheduler/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS scheduled_posts (
	id            UUID PRIMARY KEY,
	seq           BIGSERIAL NOT NULL UNIQUE,
	content       TEXT NOT NULL,
	scheduled_for TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	posted_at     TIMESTAMPTZ,
	remote_id     TEXT,
	error_message TEXT,
	version       BIGINT NOT NULL DEFAULT 0,
	claimed_until TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
ALTER TABLE scheduled_posts ADD COLUMN IF NOT EXISTS claimed_until TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS scheduled_posts_due_idx
	ON scheduled_posts (status, scheduled_for, seq);
`

// unclaimed matches rows no delivery attempt holds at the time bound to $now.
const unclaimed = `(claimed_until IS NULL OR claimed_until <= $now)`

const postColumns = `id, content, scheduled_for, status, posted_at, remote_id, error_message, version, created_at, updated_at`

// maxStatusRetries bounds the optimistic-lock retry loop in UpdateStatus.
const maxStatusRetries = 3

func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type PostgresPostRepo struct {
	db    *sql.DB
	rules Rules
}

func NewPostgresPostRepo(db *sql.DB, rules Rules) *PostgresPostRepo {
	return &PostgresPostRepo{db: db, rules: rules}
}

func (r *PostgresPostRepo) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *PostgresPostRepo) Enqueue(ctx context.Context, content string, scheduledFor time.Time) (model.ScheduledPost, error) {
	if err := r.rules.ValidateContent(content); err != nil {
		return model.ScheduledPost{}, err
	}
	if err := r.rules.ValidateSchedule(scheduledFor); err != nil {
		return model.ScheduledPost{}, err
	}

	now := r.rules.now()
	p := model.ScheduledPost{
		ID:           uuid.NewString(),
		Content:      content,
		ScheduledFor: scheduledFor.UTC(),
		Status:       model.Pending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_posts (id, content, scheduled_for, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)
	`, p.ID, p.Content, p.ScheduledFor, now)
	if err != nil {
		return model.ScheduledPost{}, err
	}
	return p, nil
}

func (r *PostgresPostRepo) Get(ctx context.Context, id string) (model.ScheduledPost, error) {
	p, _, err := r.get(ctx, id)
	return p, err
}

func (r *PostgresPostRepo) get(ctx context.Context, id string) (model.ScheduledPost, int64, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.ScheduledPost{}, 0, apperr.NotFound(id)
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = $1`, id)
	p, version, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledPost{}, 0, apperr.NotFound(id)
	}
	return p, version, err
}

func (r *PostgresPostRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPost, error) {
	query := `
		SELECT ` + postColumns + `
		FROM scheduled_posts
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC, seq ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.query(ctx, query, args...)
}

func (r *PostgresPostRepo) List(ctx context.Context, status model.Status, limit, offset int) ([]model.ScheduledPost, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if status == "" {
		return r.query(ctx, `
			SELECT `+postColumns+`
			FROM scheduled_posts
			ORDER BY scheduled_for ASC, seq ASC
			LIMIT $1 OFFSET $2
		`, limit, offset)
	}
	return r.query(ctx, `
		SELECT `+postColumns+`
		FROM scheduled_posts
		WHERE status = $3
		ORDER BY scheduled_for ASC, seq ASC
		LIMIT $1 OFFSET $2
	`, limit, offset, string(status))
}

func (r *PostgresPostRepo) Claim(ctx context.Context, id string, ttl time.Duration, from ...model.Status) (model.ScheduledPost, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.ScheduledPost{}, apperr.NotFound(id)
	}
	if len(from) == 0 {
		return model.ScheduledPost{}, apperr.InvalidState("post %s cannot be claimed from no status", id)
	}

	now := r.rules.now()
	args := []any{id, now.Add(ttl), now}
	placeholders := make([]string, len(from))
	for i, st := range from {
		args = append(args, string(st))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE scheduled_posts
		SET claimed_until = $2, version = version + 1
		WHERE id = $1
		  AND status IN (`+strings.Join(placeholders, ", ")+`)
		  AND `+withNow(unclaimed, 3)+`
		RETURNING `+postColumns, args...)
	p, _, err := scanPost(row)
	if !errors.Is(err, sql.ErrNoRows) {
		return p, err
	}

	cur, _, err := r.get(ctx, id)
	if err != nil {
		return model.ScheduledPost{}, err
	}
	for _, st := range from {
		if cur.Status == st {
			return model.ScheduledPost{}, apperr.InvalidState("post %s is already being published", id)
		}
	}
	return model.ScheduledPost{}, apperr.InvalidState("post %s is %s, it cannot be claimed", id, cur.Status)
}

func (r *PostgresPostRepo) UpdateStatus(ctx context.Context, id string, u model.StatusUpdate) (model.ScheduledPost, error) {
	for i := 0; i < maxStatusRetries; i++ {
		p, version, err := r.get(ctx, id)
		if err != nil {
			return model.ScheduledPost{}, err
		}
		if err := applyStatus(&p, u, r.rules.now()); err != nil {
			return model.ScheduledPost{}, err
		}

		res, err := r.db.ExecContext(ctx, `
			UPDATE scheduled_posts
			SET status = $2,
			    posted_at = $3,
			    remote_id = $4,
			    error_message = $5,
			    updated_at = $6,
			    claimed_until = NULL,
			    version = version + 1
			WHERE id = $1 AND version = $7
		`, p.ID, string(p.Status), p.PostedAt, p.RemoteID, p.ErrorMessage, p.UpdatedAt, version)
		if err != nil {
			return model.ScheduledPost{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return model.ScheduledPost{}, err
		}
		if n == 1 {
			return p, nil
		}
	}
	return model.ScheduledPost{}, apperr.InvalidState("post %s was modified concurrently", id)
}

func (r *PostgresPostRepo) UpdateContent(ctx context.Context, id, content string) (model.ScheduledPost, error) {
	if err := r.rules.ValidateContent(content); err != nil {
		return model.ScheduledPost{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return model.ScheduledPost{}, apperr.NotFound(id)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE scheduled_posts
		SET content = $2, updated_at = $3, version = version + 1
		WHERE id = $1 AND status = 'pending' AND `+withNow(unclaimed, 3)+`
		RETURNING `+postColumns, id, content, r.rules.now())
	p, _, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledPost{}, r.guardError(ctx, id, "edited")
	}
	return p, err
}

func (r *PostgresPostRepo) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduled_posts WHERE id = $1 AND status = 'pending' AND `+withNow(unclaimed, 2),
		id, r.rules.now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	err = r.guardError(ctx, id, "deleted")
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (r *PostgresPostRepo) DeleteAll(ctx context.Context, confirmed bool) (DeleteAllResult, error) {
	if !confirmed {
		return DeleteAllResult{}, apperr.ErrConfirmationRequired
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id FROM scheduled_posts ORDER BY seq`)
	if err != nil {
		return DeleteAllResult{}, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return DeleteAllResult{}, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DeleteAllResult{}, err
	}

	res := DeleteAllResult{Errors: []ItemError{}}
	for _, id := range ids {
		out, err := r.db.ExecContext(ctx,
			`DELETE FROM scheduled_posts WHERE id = $1 AND `+withNow(unclaimed, 2),
			id, r.rules.now())
		if err != nil {
			res.Errors = append(res.Errors, ItemError{ID: id, Error: err.Error()})
			continue
		}
		if n, _ := out.RowsAffected(); n == 1 {
			res.DeletedCount++
			continue
		}
		if _, _, err := r.get(ctx, id); err == nil {
			res.Errors = append(res.Errors, ItemError{ID: id, Error: "post is being published"})
		}
	}
	return res, nil
}

// guardError explains why a pending-only statement touched no row.
func (r *PostgresPostRepo) guardError(ctx context.Context, id, verb string) error {
	p, _, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == model.Pending {
		return apperr.InvalidState("post %s is being published and cannot be %s", id, verb)
	}
	return apperr.InvalidState("post %s is %s, only pending posts can be %s", id, p.Status, verb)
}

func withNow(cond string, n int) string {
	return strings.ReplaceAll(cond, "$now", fmt.Sprintf("$%d", n))
}

func (r *PostgresPostRepo) query(ctx context.Context, query string, args ...any) ([]model.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduledPost
	for rows.Next() {
		p, _, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(s scanner) (model.ScheduledPost, int64, error) {
	var (
		p        model.ScheduledPost
		status   string
		postedAt sql.NullTime
		remoteID sql.NullString
		errMsg   sql.NullString
		version  int64
	)
	if err := s.Scan(
		&p.ID,
		&p.Content,
		&p.ScheduledFor,
		&status,
		&postedAt,
		&remoteID,
		&errMsg,
		&version,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return model.ScheduledPost{}, 0, err
	}

	p.Status = model.Status(status)
	if postedAt.Valid {
		t := postedAt.Time.UTC()
		p.PostedAt = &t
	}
	if remoteID.Valid {
		v := remoteID.String
		p.RemoteID = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		p.ErrorMessage = &v
	}
	p.ScheduledFor = p.ScheduledFor.UTC()
	return p, version, nil
}
