package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/stablemint/merkledrop/pkg/distribution"
)

type MemoryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (cfg *MemoryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Memory is an in-process Repository. All mutations run under one mutex,
// and records are cloned on the way in and out, so callers can never race
// the stored state.
type Memory struct {
	log *slog.Logger
	cfg MemoryConfig

	mu      sync.RWMutex
	records map[uint64]*distribution.Distribution
}

func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Memory{
		log:     cfg.Logger,
		cfg:     cfg,
		records: make(map[uint64]*distribution.Distribution),
	}, nil
}

func (m *Memory) Create(ctx context.Context, d *distribution.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[d.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrAlreadyExists, d.ID)
	}
	m.records[d.ID] = d.Clone()
	m.log.Debug("store: created distribution", "id", d.ID, "claims", len(d.Claims))
	return nil
}

func (m *Memory) Get(ctx context.Context, id uint64) (*distribution.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (m *Memory) List(ctx context.Context) ([]*distribution.Distribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*distribution.Distribution, 0, len(m.records))
	for _, d := range m.records {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) MarkClaimed(ctx context.Context, id uint64, address string, amount *big.Int, txHash string) (*distribution.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err := d.ApplyClaim(strings.ToLower(address), amount, txHash, m.cfg.Clock.Now()); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

func (m *Memory) MarkReclaimed(ctx context.Context, id uint64, amount *big.Int, txHash string) (*distribution.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err := d.ApplyReclaim(amount, txHash, m.cfg.Clock.Now()); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}
