package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/stablemint/merkledrop/pkg/distribution"
	"github.com/stablemint/merkledrop/pkg/evm"
)

type PostgresConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pool   *pgxpool.Pool
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pgx pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Postgres is the production Repository. Claims and metadata are stored as
// JSONB; mutations run inside a transaction with the record row locked
// (SELECT ... FOR UPDATE), so concurrent claim-marking on one distribution
// serializes instead of losing updates.
type Postgres struct {
	log *slog.Logger
	cfg PostgresConfig
}

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Postgres{log: cfg.Logger, cfg: cfg}, nil
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.cfg.Pool.Ping(ctx)
}

func (p *Postgres) Create(ctx context.Context, d *distribution.Distribution) error {
	claims, metadata, err := marshalRecord(d)
	if err != nil {
		return err
	}
	_, err = p.cfg.Pool.Exec(ctx, `
		INSERT INTO distributions (id, merkle_root, total_rewards, claims, metadata)
		VALUES ($1, $2, $3::numeric, $4, $5)`,
		int64(d.ID), d.MerkleRoot.Hex(), d.TotalRewards.String(), claims, metadata,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: id %d", ErrAlreadyExists, d.ID)
		}
		return fmt.Errorf("failed to insert distribution %d: %w", d.ID, err)
	}
	p.log.Debug("store: created distribution", "id", d.ID, "claims", len(d.Claims))
	return nil
}

func (p *Postgres) Get(ctx context.Context, id uint64) (*distribution.Distribution, error) {
	row := p.cfg.Pool.QueryRow(ctx, `
		SELECT id, merkle_root, total_rewards::text, claims, metadata
		FROM distributions WHERE id = $1`, int64(id))
	d, err := scanDistribution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return d, err
}

func (p *Postgres) List(ctx context.Context) ([]*distribution.Distribution, error) {
	rows, err := p.cfg.Pool.Query(ctx, `
		SELECT id, merkle_root, total_rewards::text, claims, metadata
		FROM distributions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close()

	var out []*distribution.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkClaimed(ctx context.Context, id uint64, address string, amount *big.Int, txHash string) (*distribution.Distribution, error) {
	return p.mutate(ctx, id, func(d *distribution.Distribution) error {
		return d.ApplyClaim(strings.ToLower(address), amount, txHash, p.cfg.Clock.Now())
	})
}

func (p *Postgres) MarkReclaimed(ctx context.Context, id uint64, amount *big.Int, txHash string) (*distribution.Distribution, error) {
	return p.mutate(ctx, id, func(d *distribution.Distribution) error {
		return d.ApplyReclaim(amount, txHash, p.cfg.Clock.Now())
	})
}

// mutate loads the record under a row lock, applies fn, and writes the
// mutated claims/metadata back in the same transaction.
func (p *Postgres) mutate(ctx context.Context, id uint64, fn func(*distribution.Distribution) error) (*distribution.Distribution, error) {
	tx, err := p.cfg.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id, merkle_root, total_rewards::text, claims, metadata
		FROM distributions WHERE id = $1 FOR UPDATE`, int64(id))
	d, err := scanDistribution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	claims, metadata, err := marshalRecord(d)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE distributions SET claims = $2, metadata = $3, updated_at = now()
		WHERE id = $1`, int64(id), claims, metadata); err != nil {
		return nil, fmt.Errorf("failed to update distribution %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit distribution %d update: %w", id, err)
	}
	return d, nil
}

func marshalRecord(d *distribution.Distribution) (claims, metadata []byte, err error) {
	claims, err = json.Marshal(d.Claims)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal claims for distribution %d: %w", d.ID, err)
	}
	metadata, err = json.Marshal(d.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal metadata for distribution %d: %w", d.ID, err)
	}
	return claims, metadata, nil
}

func scanDistribution(row pgx.Row) (*distribution.Distribution, error) {
	var (
		id           int64
		rootHex      string
		totalRewards string
		claimsRaw    []byte
		metadataRaw  []byte
	)
	if err := row.Scan(&id, &rootHex, &totalRewards, &claimsRaw, &metadataRaw); err != nil {
		return nil, err
	}

	root, err := evm.ParseHash(rootHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt merkle root for distribution %d: %w", id, err)
	}
	total, ok := new(big.Int).SetString(totalRewards, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt total rewards for distribution %d: %q", id, totalRewards)
	}
	d := &distribution.Distribution{
		ID:           uint64(id),
		MerkleRoot:   root,
		TotalRewards: total,
	}
	if err := json.Unmarshal(claimsRaw, &d.Claims); err != nil {
		return nil, fmt.Errorf("corrupt claims for distribution %d: %w", id, err)
	}
	if err := json.Unmarshal(metadataRaw, &d.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata for distribution %d: %w", id, err)
	}
	return d, nil
}
