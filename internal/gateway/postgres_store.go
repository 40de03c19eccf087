package gateway

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists gateway records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gateway store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, gw *Gateway) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateways (
			slug, provider, provider_evm_address, price_per_request,
			is_active, total_sessions, total_volume, created_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,0),
			$5, $6::NUMERIC(20,0), $7::NUMERIC(20,0), $8
		)`,
		gw.Slug, gw.Provider, gw.ProviderEVMAddress.Hex(), u64(gw.PricePerRequest),
		gw.IsActive, u64(gw.TotalSessions), u64(gw.TotalVolume), gw.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, slug string) (*Gateway, error) {
	gw, err := scanGateway(p.db.QueryRowContext(ctx, `
		SELECT slug, provider, provider_evm_address, price_per_request,
		       is_active, total_sessions, total_volume, created_at
		FROM gateways WHERE slug = $1`, slug))
	if err == sql.ErrNoRows {
		return nil, ErrGatewayNotFound
	}
	return gw, err
}

func (p *PostgresStore) Update(ctx context.Context, gw *Gateway) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gateways SET
			price_per_request = $1::NUMERIC(20,0), is_active = $2
		WHERE slug = $3`,
		u64(gw.PricePerRequest), gw.IsActive, gw.Slug,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGatewayNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Gateway, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT slug, provider, provider_evm_address, price_per_request,
		       is_active, total_sessions, total_volume, created_at
		FROM gateways
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Gateway
	for rows.Next() {
		gw, err := scanGateway(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, gw)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddSession(ctx context.Context, slug string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gateways SET total_sessions = total_sessions + 1 WHERE slug = $1`, slug)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGatewayNotFound
	}
	return nil
}

func (p *PostgresStore) AddVolume(ctx context.Context, slug string, amount uint64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gateways SET total_volume = total_volume + $1::NUMERIC(20,0) WHERE slug = $2`,
		u64(amount), slug)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGatewayNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanGateway(s scanner) (*Gateway, error) {
	var gw Gateway
	var evmAddr string
	var price, sessions, volume string

	if err := s.Scan(
		&gw.Slug, &gw.Provider, &evmAddr, &price,
		&gw.IsActive, &sessions, &volume, &gw.CreatedAt,
	); err != nil {
		return nil, err
	}

	gw.ProviderEVMAddress = common.HexToAddress(evmAddr)

	var err error
	if gw.PricePerRequest, err = parseU64(price); err != nil {
		return nil, err
	}
	if gw.TotalSessions, err = parseU64(sessions); err != nil {
		return nil, err
	}
	if gw.TotalVolume, err = parseU64(volume); err != nil {
		return nil, err
	}
	return &gw, nil
}

// NUMERIC(20,0) round-trips uint64 through its decimal string form.

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

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
