// Package store implements chain.Store on Postgres and in memory.
package store

import (
	"context"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xudaotutou/kv-server/pkg/canonhash"
	"github.com/xudaotutou/kv-server/pkg/fault"
	"github.com/xudaotutou/kv-server/services/kv/internal/chain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type Postgres struct{ DB *pgxpool.Pool }

var _ chain.Store = (*Postgres)(nil)

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fault.Wrap(fault.StorageError, "store.migrate", err)
	}
	return nil
}

const linkColumns = `id, external_id, persona, platform, identity, patch, previous_id,
signature, signature_payload, state, COALESCE(seq, 0), created_at, committed_at`

func (s *Postgres) InPersonaTx(ctx context.Context, persona []byte, fn func(context.Context, chain.Tx) error) error {
	const op = "store.persona_tx"
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return mapErr(op, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, hex.EncodeToString(persona)); err != nil {
		return mapErr(op, err)
	}
	if err := fn(ctx, &pgTx{tx: tx, persona: persona}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(op, err)
	}
	return nil
}

func (s *Postgres) LinkByExternalID(ctx context.Context, id uuid.UUID) (chain.Link, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+linkColumns+` FROM kv_chains WHERE external_id=$1`, id)
	l, err := scanLink(row)
	if err != nil {
		return chain.Link{}, mapErr("store.link", err)
	}
	return l, nil
}

func (s *Postgres) Committed(ctx context.Context, persona []byte) ([]chain.Link, error) {
	const op = "store.committed"
	rows, err := s.DB.Query(ctx, `SELECT `+linkColumns+` FROM kv_chains
WHERE persona=$1 AND state='committed'
ORDER BY seq ASC`, persona)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []chain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

type pgTx struct {
	tx      pgx.Tx
	persona []byte
}

func (t *pgTx) Head(ctx context.Context) (*chain.Link, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+linkColumns+` FROM kv_chains
WHERE persona=$1 AND state='committed'
ORDER BY seq DESC
LIMIT 1`, t.persona)
	l, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("store.head", err)
	}
	return &l, nil
}

func (t *pgTx) LinkByExternalID(ctx context.Context, id uuid.UUID) (chain.Link, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+linkColumns+` FROM kv_chains WHERE external_id=$1 AND persona=$2`, id, t.persona)
	l, err := scanLink(row)
	if err != nil {
		return chain.Link{}, mapErr("store.link", err)
	}
	return l, nil
}

func (t *pgTx) Insert(ctx context.Context, l *chain.Link) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO kv_chains(external_id, persona, platform, identity, patch, previous_id, signature_payload, state, created_at)
VALUES($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
RETURNING id`,
		l.ExternalID, t.persona, l.Platform, l.Identity, string(l.Patch), l.PreviousID,
		l.SignaturePayload, string(l.State), l.CreatedAt,
	).Scan(&l.ID)
	return mapErr("store.insert", err)
}

func (t *pgTx) MarkCommitted(ctx context.Context, l *chain.Link) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE kv_chains
SET state='committed', signature=$2, seq=$3, committed_at=$4
WHERE id=$1 AND state='proposed'`,
		l.ID, l.Signature, l.Seq, l.CommittedAt)
	if err != nil {
		return mapErr("store.mark_committed", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "store.mark_committed", "no proposed link")
	}
	return nil
}

func (t *pgTx) MarkExpired(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE kv_chains SET state='expired' WHERE id=$1 AND state='proposed'`, id)
	return mapErr("store.mark_expired", err)
}

func scanLink(row pgx.Row) (chain.Link, error) {
	var l chain.Link
	var state string
	var patch []byte
	err := row.Scan(&l.ID, &l.ExternalID, &l.Persona, &l.Platform, &l.Identity, &patch, &l.PreviousID,
		&l.Signature, &l.SignaturePayload, &state, &l.Seq, &l.CreatedAt, &l.CommittedAt)
	if err != nil {
		return chain.Link{}, err
	}
	// jsonb does not keep key order or spacing.
	l.Patch, err = canonhash.Canonicalize(patch)
	if err != nil {
		return chain.Link{}, err
	}
	l.State = chain.State(state)
	if !l.State.Valid() {
		return chain.Link{}, fmt.Errorf("link %s: unknown state %q", l.ExternalID, state)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	if l.CommittedAt != nil {
		t := l.CommittedAt.UTC()
		l.CommittedAt = &t
	}
	return l, nil
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.New(fault.NotFound, op, "link not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fault.Wrap(fault.Conflict, op, err)
	}
	return fault.Wrap(fault.StorageError, op, err)
}
