package settlement

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists settlement records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlements (
			id, session_id, agent_evm_address, provider_evm_address,
			used_amount, ts, payload_hash, signature, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,0), $6, $7, $8, $9)`,
		r.ID, r.SessionID, r.AgentEVMAddress.Hex(), r.ProviderEVMAddress.Hex(),
		strconv.FormatUint(r.UsedAmount, 10), r.Timestamp, r.PayloadHash, r.Signature, r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrRecordExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_evm_address, provider_evm_address,
		       used_amount, ts, payload_hash, signature, created_at
		FROM settlements WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*Record, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, session_id, agent_evm_address, provider_evm_address,
		       used_amount, ts, payload_hash, signature, created_at
		FROM settlements WHERE session_id = $1`, sessionID))
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, agent_evm_address, provider_evm_address,
		       used_amount, ts, payload_hash, signature, created_at
		FROM settlements
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Record, error) {
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var r Record
	var agentAddr, providerAddr, used string

	if err := sc.Scan(
		&r.ID, &r.SessionID, &agentAddr, &providerAddr,
		&used, &r.Timestamp, &r.PayloadHash, &r.Signature, &r.CreatedAt,
	); err != nil {
		return nil, err
	}

	r.AgentEVMAddress = common.HexToAddress(agentAddr)
	r.ProviderEVMAddress = common.HexToAddress(providerAddr)

	var err error
	if r.UsedAmount, err = strconv.ParseUint(used, 10, 64); err != nil {
		return nil, err
	}
	return &r, nil
}

// SubscriptionPostgresStore persists relay subscriptions in PostgreSQL.
type SubscriptionPostgresStore struct {
	db *sql.DB
}

// NewSubscriptionPostgresStore creates a new PostgreSQL-backed
// subscription store.
func NewSubscriptionPostgresStore(db *sql.DB) *SubscriptionPostgresStore {
	return &SubscriptionPostgresStore{db: db}
}

func (p *SubscriptionPostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO relay_subscriptions (
			id, owner, url, secret, active, created_at, last_success, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.Owner, sub.URL, sub.Secret, sub.Active,
		sub.CreatedAt, sub.LastSuccess, sub.LastError,
	)
	return err
}

func (p *SubscriptionPostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT id, owner, url, secret, active, created_at, last_success, last_error
		FROM relay_subscriptions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *SubscriptionPostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	return p.list(ctx, `
		SELECT id, owner, url, secret, active, created_at, last_success, last_error
		FROM relay_subscriptions WHERE owner = $1
		ORDER BY created_at DESC`, owner)
}

func (p *SubscriptionPostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	return p.list(ctx, `
		SELECT id, owner, url, secret, active, created_at, last_success, last_error
		FROM relay_subscriptions WHERE active = TRUE
		ORDER BY created_at DESC`)
}

func (p *SubscriptionPostgresStore) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *SubscriptionPostgresStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE relay_subscriptions SET
			active = $1, last_success = $2, last_error = $3
		WHERE id = $4`,
		sub.Active, sub.LastSuccess, sub.LastError, sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *SubscriptionPostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM relay_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := sc.Scan(
		&sub.ID, &sub.Owner, &sub.URL, &sub.Secret, &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastError,
	); err != nil {
		return nil, err
	}

	if lastSuccess.Valid {
		t := lastSuccess.Time.UTC()
		sub.LastSuccess = &t
	}
	if lastError.Valid {
		sub.LastError = lastError.String
	}
	return &sub, nil
}

// Compile-time assertions.
var (
	_ Store             = (*PostgresStore)(nil)
	_ SubscriptionStore = (*SubscriptionPostgresStore)(nil)
)
