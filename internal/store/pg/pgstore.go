package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rollcall.dev/internal/bus"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/orch"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/workflow"
)

// Store persists identities, runs, proxies and events. The pipeline never
// reads history back to make decisions; the store is a write-mostly
// collaborator plus the resume/reporting read paths.
type Store struct {
	db *sql.DB
}

var _ orch.Store = (*Store)(nil)

// Option tunes the underlying connection pool.
type Option func(*sql.DB)

func WithMaxOpenConns(n int) Option {
	return func(db *sql.DB) { db.SetMaxOpenConns(n) }
}

func WithMaxIdleConns(n int) Option {
	return func(db *sql.DB) { db.SetMaxIdleConns(n) }
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(db *sql.DB) { db.SetConnMaxLifetime(d) }
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, opt := range opts {
		opt(db)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle; tests inject sqlmock through here.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const identityColumns = `id, label, mailbox_address, platform_handle, mailbox_secret_ref, platform_secret_ref, status, proxy_id, activity_days, last_detail, created_at, updated_at`

// UpsertIdentity writes the identity's current row, keeping created_at from
// the first insert.
func (s *Store) UpsertIdentity(ctx context.Context, id identity.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identities(`+identityColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		on conflict (id) do update set
			label = excluded.label,
			mailbox_address = excluded.mailbox_address,
			platform_handle = excluded.platform_handle,
			mailbox_secret_ref = excluded.mailbox_secret_ref,
			platform_secret_ref = excluded.platform_secret_ref,
			status = excluded.status,
			proxy_id = excluded.proxy_id,
			activity_days = excluded.activity_days,
			last_detail = excluded.last_detail,
			updated_at = excluded.updated_at
	`, id.ID, id.Label, id.MailboxAddress, id.PlatformHandle, id.MailboxSecretRef, id.PlatformSecretRef,
		string(id.Status), id.ProxyID, id.ActivityDays, id.LastDetail, id.CreatedAt, id.UpdatedAt)
	return err
}

// RecordRun writes a closed run and its step results in one transaction.
func (s *Store) RecordRun(ctx context.Context, run workflow.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into runs(id, identity_id, terminal, reason, detail, proxy_trail, started_at, ended_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, run.ID, run.IdentityID, string(run.Terminal), string(run.Reason), run.Detail,
		strings.Join(run.ProxyIDs, ","), run.StartedAt, run.EndedAt); err != nil {
		return err
	}
	for i, r := range run.Results {
		if _, err := tx.ExecContext(ctx, `
			insert into step_results(run_id, idx, step, attempt, kind, reason, detail, proxy_id, took_ms, at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, run.ID, i, r.Step, r.Attempt, string(r.Kind), string(r.Reason), r.Detail, r.Proxy,
			r.Took.Milliseconds(), r.At); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertProxy mirrors one pool entry.
func (s *Store) UpsertProxy(ctx context.Context, p proxypool.Proxy) error {
	lastChecked := sql.NullTime{Time: p.LastChecked, Valid: !p.LastChecked.IsZero()}
	_, err := s.db.ExecContext(ctx, `
		insert into proxies(id, scheme, host, port, username, password, health, fails, latency_ms, last_checked, assigned_to, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		on conflict (id) do update set
			health = excluded.health,
			fails = excluded.fails,
			latency_ms = excluded.latency_ms,
			last_checked = excluded.last_checked,
			assigned_to = excluded.assigned_to,
			updated_at = now()
	`, p.ID, p.Scheme, p.Host, p.Port, p.Username, p.Password, string(p.Health), p.Fails,
		p.Latency.Milliseconds(), lastChecked, p.AssignedTo)
	return err
}

// InsertEvent appends one bus event; the serve process subscribes this in
// as an event sink.
func (s *Store) InsertEvent(ctx context.Context, evt bus.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into events(seq, type, identity_id, run_id, from_status, to_status, detail, at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, evt.Seq, evt.Type, evt.IdentityID, evt.RunID, evt.From, evt.To, evt.Detail, evt.At)
	return err
}

// ListIdentities returns every stored identity, oldest first.
func (s *Store) ListIdentities(ctx context.Context) ([]identity.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+identityColumns+` from identities order by created_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIdentities(rows)
}

// ClaimPending locks and stamps up to limit pending identities so exactly
// one process resumes each after a restart. Claims expire after ten
// minutes, letting a crashed claimant's batch be retaken.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]identity.Identity, error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select `+identityColumns+`
		from identities
		where status = $1
		  and (claimed_at is null or claimed_at < now() - interval '10 minutes')
		order by updated_at asc
		limit $2
		for update skip locked
	`, string(identity.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	claimed, err := scanIdentities(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, id := range claimed {
		if _, err := tx.ExecContext(ctx, `update identities set claimed_at = now() where id = $1`, id.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// --- helpers ---

func scanIdentities(rows *sql.Rows) ([]identity.Identity, error) {
	var out []identity.Identity
	for rows.Next() {
		var id identity.Identity
		var status string
		if err := rows.Scan(&id.ID, &id.Label, &id.MailboxAddress, &id.PlatformHandle,
			&id.MailboxSecretRef, &id.PlatformSecretRef, &status, &id.ProxyID,
			&id.ActivityDays, &id.LastDetail, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, err
		}
		id.Status = identity.Status(status)
		out = append(out, id)
	}
	return out, rows.Err()
}
