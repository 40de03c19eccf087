package session

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/metergate/metergate/internal/gateway"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	return insertSession(ctx, p.db, s)
}

// CreateAndCount inserts the session and bumps the gateway's session
// counter in one transaction.
func (p *PostgresStore) CreateAndCount(ctx context.Context, s *Session) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertSession(ctx, tx, s); err != nil {
		return err
	}
	if err := bumpGateway(ctx, tx, `
		UPDATE gateways SET total_sessions = total_sessions + 1 WHERE slug = $1`,
		s.GatewaySlug); err != nil {
		return err
	}
	return tx.Commit()
}

// AddUsage applies the usage increment and the gateway volume counter
// in one transaction. The state and deposit-cap conditions are part of
// the UPDATE itself, so a concurrent settle or meter call from another
// process cannot slip between check and write.
func (p *PostgresStore) AddUsage(ctx context.Context, sessionID string, amount uint64) (*Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := scanSession(tx.QueryRowContext(ctx, `
		UPDATE sessions SET
			used = used + $1::NUMERIC(20,0), usage_count = usage_count + 1
		WHERE id = $2 AND state = 'active'
		  AND used + $1::NUMERIC(20,0) <= estimated_deposit
		RETURNING id, agent, agent_evm_address, gateway_slug, provider,
		          estimated_deposit, used, nonce, expires_at, state,
		          usage_count, created_at`,
		u64(amount), sessionID))
	if err == sql.ErrNoRows {
		return nil, p.usageConflict(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	if err := bumpGateway(ctx, tx, `
		UPDATE gateways SET total_volume = total_volume + $1::NUMERIC(20,0) WHERE slug = $2`,
		u64(amount), s.GatewaySlug); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s, nil
}

// usageConflict names the reason the conditional usage update matched
// nothing. The ledger re-checked preconditions under its own lock, so
// getting here means another process mutated the row in between.
func (p *PostgresStore) usageConflict(ctx context.Context, sessionID string) error {
	s, err := p.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != StateActive {
		return ErrSessionNotActive
	}
	return ErrUsageExceedsDeposit
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `
		SELECT id, agent, agent_evm_address, gateway_slug, provider,
		       estimated_deposit, used, nonce, expires_at, state,
		       usage_count, created_at
		FROM sessions WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			used = $1::NUMERIC(20,0), state = $2, usage_count = $3
		WHERE id = $4`,
		u64(s.Used), string(s.State), s.UsageCount, s.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agent string, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)

	query := `
		SELECT id, agent, agent_evm_address, gateway_slug, provider,
		       estimated_deposit, used, nonce, expires_at, state,
		       usage_count, created_at
		FROM sessions WHERE agent = $1`
	args := []any{agent}
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int, opts ...ListOption) ([]*Session, error) {
	o := applyListOpts(opts)

	query := `
		SELECT id, agent, agent_evm_address, gateway_slug, provider,
		       estimated_deposit, used, nonce, expires_at, state,
		       usage_count, created_at
		FROM sessions`
	args := []any{}
	if o.cursor != nil {
		query += ` WHERE (created_at, id) < ($1, $2)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// execer abstracts *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, s *Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, agent, agent_evm_address, gateway_slug, provider,
			estimated_deposit, used, nonce, expires_at, state,
			usage_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,0), $7::NUMERIC(20,0), $8, $9, $10,
			$11, $12
		)`,
		s.ID, s.Agent, s.AgentEVMAddress.Hex(), s.GatewaySlug, s.Provider,
		u64(s.EstimatedDeposit), u64(s.Used), s.Nonce, s.ExpiresAt, string(s.State),
		s.UsageCount, s.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrSessionExists
	}
	return err
}

func bumpGateway(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return gateway.ErrGatewayNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var s Session
	var evmAddr, deposit, used, state string

	if err := sc.Scan(
		&s.ID, &s.Agent, &evmAddr, &s.GatewaySlug, &s.Provider,
		&deposit, &used, &s.Nonce, &s.ExpiresAt, &state,
		&s.UsageCount, &s.CreatedAt,
	); err != nil {
		return nil, err
	}

	s.AgentEVMAddress = common.HexToAddress(evmAddr)
	s.State = State(state)
	if !s.State.Valid() {
		return nil, ErrUnknownState
	}

	var err error
	if s.EstimatedDeposit, err = parseU64(deposit); err != nil {
		return nil, err
	}
	if s.Used, err = parseU64(used); err != nil {
		return nil, err
	}
	return &s, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseU64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time assertions.
var (
	_ Store       = (*PostgresStore)(nil)
	_ AtomicStore = (*PostgresStore)(nil)
)
