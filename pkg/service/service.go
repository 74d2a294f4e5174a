// Package service orchestrates the distribution lifecycle: snapshot to
// Merkle tree to on-chain window, plus the read paths the HTTP API serves.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stablemint/merkledrop/pkg/alert"
	"github.com/stablemint/merkledrop/pkg/chain"
	"github.com/stablemint/merkledrop/pkg/distribution"
	"github.com/stablemint/merkledrop/pkg/evm"
	"github.com/stablemint/merkledrop/pkg/merkle"
	"github.com/stablemint/merkledrop/pkg/metrics"
	"github.com/stablemint/merkledrop/pkg/store"
	"github.com/stablemint/merkledrop/pkg/tiers"
)

// ErrBelowMinimumRatio is returned when the collateralization ratio does
// not clear the distribution gate.
var ErrBelowMinimumRatio = errors.New("collateralization ratio below distribution minimum")

const defaultHistoryLimit = 10

// maxHistoryFetches bounds concurrent chain reads while assembling the
// history response.
const maxHistoryFetches = 4

// DistributorClient is the slice of the chain distributor the service uses.
type DistributorClient interface {
	Contract() evm.Address
	GetDistributionInfo(ctx context.Context, id uint64) (chain.DistributionInfo, error)
	CurrentDistributionID(ctx context.Context) (uint64, error)
	StartNewDistribution(ctx context.Context, root evm.Hash, totalTokens *big.Int) (string, error)
}

// ClaimStatus is the cached per-leaf claimed-bit lookup.
type ClaimStatus interface {
	Claimed(ctx context.Context, distributionID uint64, index uint32) bool
	Invalidate(distributionID uint64)
}

// Snapshot is one observation of the token and its collateral, taken by
// the snapshot source at distribution time.
type Snapshot struct {
	Holders  []merkle.Holder
	Excluded []string
	// CurrentRatio is the collateralization ratio at snapshot time.
	CurrentRatio *big.Rat
	// TotalSupply is the token supply in smallest units.
	TotalSupply *big.Int
	// CollateralValue is the collateral backing, in the same units as
	// the supply valuation.
	CollateralValue *big.Int
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Repo   store.Repository
	Chain  DistributorClient
	Cache  ClaimStatus
	Tiers  tiers.Params
	Fees   []tiers.FeeRate
	// ChainPace throttles per-distribution chain reads on the API read
	// paths. Defaults to 10 calls/s.
	ChainPace *rate.Limiter
	// HistoryLimit caps how many distributions History returns.
	HistoryLimit int
	Reporter     alert.Reporter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Repo == nil {
		return errors.New("repository is required")
	}
	if cfg.Chain == nil {
		return errors.New("chain client is required")
	}
	if cfg.Cache == nil {
		return errors.New("claim cache is required")
	}
	if err := cfg.Tiers.Validate(); err != nil {
		return fmt.Errorf("invalid tier params: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ChainPace == nil {
		cfg.ChainPace = rate.NewLimiter(rate.Limit(10), 1)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Reporter == nil {
		cfg.Reporter = alert.NopReporter{}
	}
	return nil
}

type Service struct {
	log *slog.Logger
	cfg Config

	// buildMu serializes distribution starts so two snapshots can never
	// race for the same on-chain id.
	buildMu sync.Mutex
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// StartDistribution runs the full pipeline for one snapshot: tier gate,
// safety-scaled mint plan, Merkle tree, one on-chain write, then local
// persistence. The on-chain write is attempted exactly once; if it
// succeeds but persistence fails, the fault is reported for manual
// reconciliation and the error is returned.
func (s *Service) StartDistribution(ctx context.Context, snap Snapshot) (*distribution.Distribution, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	opID := uuid.NewString()
	log := s.log.With("op_id", opID)

	result := tiers.Compute(snap.CurrentRatio, s.cfg.Tiers)
	if !result.CanDistribute {
		log.Info("service: distribution gated by collateralization ratio",
			"ratio", ratString(snap.CurrentRatio))
		metrics.DistributionsStartedTotal.WithLabelValues("gated").Inc()
		return nil, ErrBelowMinimumRatio
	}

	plan := tiers.PlanMint(result.RewardPerToken, snap.TotalSupply, snap.CollateralValue, s.cfg.Fees, s.cfg.Tiers.HardMinRatio)
	if plan.Scaled {
		log.Warn("service: mint plan scaled down to protect collateral floor",
			"tier", result.TierLabel,
			"scale_factor", plan.ScaleFactor.FloatString(6))
	}

	buildStart := time.Now()
	record, err := merkle.Build(snap.Holders, snap.Excluded, plan.RewardPerToken, s.cfg.Clock.Now().UTC())
	metrics.DistributionBuildDuration.Observe(time.Since(buildStart).Seconds())
	if err != nil {
		metrics.DistributionsStartedTotal.WithLabelValues("build_error").Inc()
		return nil, fmt.Errorf("failed to build distribution: %w", err)
	}

	current, err := s.cfg.Chain.CurrentDistributionID(ctx)
	if err != nil {
		metrics.DistributionsStartedTotal.WithLabelValues("chain_error").Inc()
		return nil, fmt.Errorf("failed to read current distribution id: %w", err)
	}
	record.ID = current + 1

	log = log.With("distribution_id", record.ID)
	log.Info("service: starting distribution",
		"tier", result.TierLabel,
		"eligible_holders", record.Metadata.EligibleHolderCount,
		"total_rewards", record.TotalRewards.String(),
		"merkle_root", record.MerkleRoot.Hex())

	// One attempt only. A failure here is ambiguous (the transaction may
	// still land), so it is surfaced for a human instead of retried.
	txHash, err := s.cfg.Chain.StartNewDistribution(ctx, record.MerkleRoot, record.TotalRewards)
	if err != nil {
		metrics.DistributionsStartedTotal.WithLabelValues("write_error").Inc()
		s.cfg.Reporter.Warn("distribution start transaction failed, outcome unknown", map[string]string{
			"op_id":           opID,
			"distribution_id": fmt.Sprint(record.ID),
			"merkle_root":     record.MerkleRoot.Hex(),
		})
		return nil, fmt.Errorf("failed to start distribution on chain: %w", err)
	}

	if err := s.cfg.Repo.Create(ctx, record); err != nil {
		metrics.IntegrityFaultsTotal.WithLabelValues("persist_after_write").Inc()
		metrics.DistributionsStartedTotal.WithLabelValues("integrity_fault").Inc()
		log.Error("service: INTEGRITY FAULT: distribution live on chain but not persisted, manual reconciliation required",
			"tx_hash", txHash, "error", err)
		s.cfg.Reporter.Critical(fmt.Errorf("distribution %d live on chain but not persisted: %w", record.ID, err), map[string]string{
			"op_id":           opID,
			"distribution_id": fmt.Sprint(record.ID),
			"tx_hash":         txHash,
			"merkle_root":     record.MerkleRoot.Hex(),
		})
		return nil, fmt.Errorf("distribution %d started on chain (tx %s) but persistence failed: %w", record.ID, txHash, err)
	}

	metrics.DistributionsStartedTotal.WithLabelValues("ok").Inc()
	log.Info("service: distribution started", "tx_hash", txHash)
	return record, nil
}

// UserClaim is one claimable entry for a user, ready to submit on chain.
type UserClaim struct {
	DistributionID uint64    `json:"distributionId"`
	MerkleRoot     string    `json:"merkleRoot"`
	Index          uint32    `json:"index"`
	Amount         *big.Int  `json:"amount"`
	Proof          []string  `json:"proof"`
	Claimed        bool      `json:"claimed"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// UserDistributions returns the user's claims across all stored
// distributions, newest first. Reclaimed distributions are skipped, and
// any record whose stored root no longer matches the chain is dropped
// and reported rather than served with an unusable proof.
func (s *Service) UserDistributions(ctx context.Context, address string) ([]UserClaim, error) {
	addr, err := evm.ParseAddress(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	key := addr.Hex()

	all, err := s.cfg.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}

	out := make([]UserClaim, 0)
	for _, d := range all {
		if d.Metadata.Reclaimed {
			continue
		}
		claim, ok := d.Claims[key]
		if !ok {
			continue
		}

		if err := s.cfg.ChainPace.Wait(ctx); err != nil {
			return nil, err
		}
		info, err := s.cfg.Chain.GetDistributionInfo(ctx, d.ID)
		switch {
		case err != nil:
			// Serve the stored record; the cache below degrades on its
			// own if the chain stays unreachable.
			s.log.Warn("service: could not reconcile distribution root, serving stored record",
				"distribution_id", d.ID, "error", err)
		case info.Root != d.MerkleRoot:
			metrics.IntegrityFaultsTotal.WithLabelValues("root_mismatch").Inc()
			s.log.Error("service: INTEGRITY FAULT: stored merkle root does not match chain",
				"distribution_id", d.ID,
				"stored_root", d.MerkleRoot.Hex(),
				"chain_root", info.Root.Hex())
			s.cfg.Reporter.Critical(fmt.Errorf("distribution %d root mismatch: stored %s chain %s",
				d.ID, d.MerkleRoot.Hex(), info.Root.Hex()), map[string]string{
				"distribution_id": fmt.Sprint(d.ID),
			})
			continue
		}

		out = append(out, UserClaim{
			DistributionID: d.ID,
			MerkleRoot:     d.MerkleRoot.Hex(),
			Index:          claim.Index,
			Amount:         new(big.Int).Set(claim.Amount),
			Proof:          append([]string(nil), claim.Proof...),
			Claimed:        claim.Claimed || s.cfg.Cache.Claimed(ctx, d.ID, claim.Index),
			GeneratedAt:    d.Metadata.GeneratedAt,
		})
	}
	return out, nil
}

// HistoryEntry is one distribution summary for the history endpoint.
type HistoryEntry struct {
	DistributionID    uint64              `json:"distributionId"`
	MerkleRoot        string              `json:"merkleRoot"`
	TotalRewards      *big.Int            `json:"totalRewards"`
	TotalClaimed      *big.Int            `json:"totalClaimed"`
	PercentageClaimed float64             `json:"percentageClaimed"`
	ClaimedCount      int                 `json:"claimedCount"`
	ActiveHolders     int                 `json:"activeHolders"`
	Status            distribution.Status `json:"status"`
	Timestamp         time.Time           `json:"timestamp"`
	// Degraded marks entries built from local state alone because the
	// chain could not be reached.
	Degraded bool `json:"degraded,omitempty"`
}

// History returns summaries for the most recent distributions, newest
// first. Per-entry chain failures degrade that entry to stored state
// instead of failing the whole response.
func (s *Service) History(ctx context.Context) ([]HistoryEntry, error) {
	all, err := s.cfg.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}
	if len(all) > s.cfg.HistoryLimit {
		all = all[:s.cfg.HistoryLimit]
	}

	currentID, currentErr := s.cfg.Chain.CurrentDistributionID(ctx)

	// Per-entry chain reads run concurrently; a failed read degrades that
	// entry, never the whole response, so Wait's error is ignored.
	infos := make([]chain.DistributionInfo, len(all))
	infoErrs := make([]error, len(all))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxHistoryFetches)
	for i := range all {
		if currentErr != nil {
			infoErrs[i] = currentErr
			continue
		}
		g.Go(func() error {
			if err := s.cfg.ChainPace.Wait(gctx); err != nil {
				infoErrs[i] = err
				return nil
			}
			infos[i], infoErrs[i] = s.cfg.Chain.GetDistributionInfo(gctx, all[i].ID)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]HistoryEntry, 0, len(all))
	for i, d := range all {
		entry := HistoryEntry{
			DistributionID: d.ID,
			MerkleRoot:     d.MerkleRoot.Hex(),
			TotalRewards:   new(big.Int).Set(d.TotalRewards),
			ClaimedCount:   d.ClaimedCount(),
			ActiveHolders:  len(d.Claims),
			Timestamp:      d.Metadata.GeneratedAt,
		}
		if infoErrs[i] != nil {
			entry.Degraded = true
			// On-chain claim volume is unknown here; locally marked
			// claims are not a substitute for it.
			entry.TotalClaimed = new(big.Int)
			entry.Status = storedStatus(d)
			s.log.Warn("service: history entry degraded to stored state",
				"distribution_id", d.ID, "error", infoErrs[i])
		} else {
			entry.TotalClaimed = infos[i].TotalClaimed
			entry.Status = deriveStatus(d, infos[i], currentID)
		}
		if entry.TotalRewards.Sign() > 0 {
			entry.PercentageClaimed = 100 * bigRatio(entry.TotalClaimed, entry.TotalRewards)
		}
		out = append(out, entry)
	}
	return out, nil
}

// deriveStatus folds stored metadata and live chain state into one
// lifecycle status.
func deriveStatus(d *distribution.Distribution, info chain.DistributionInfo, currentID uint64) distribution.Status {
	switch {
	case d.Metadata.Reclaimed:
		return distribution.StatusReclaimed
	case info.Finalized:
		return distribution.StatusCompleted
	case info.Timestamp.IsZero():
		return distribution.StatusPending
	case d.ID < currentID:
		return distribution.StatusExpired
	default:
		return distribution.StatusActive
	}
}

// storedStatus is the chain-free fallback used for degraded entries.
func storedStatus(d *distribution.Distribution) distribution.Status {
	switch {
	case d.Metadata.Reclaimed:
		return distribution.StatusReclaimed
	case d.Metadata.FullyClaimed:
		return distribution.StatusCompleted
	default:
		return distribution.StatusActive
	}
}

// UserAnalytics is the per-user participation block, present only when an
// address was supplied.
type UserAnalytics struct {
	Address                   string   `json:"address"`
	DistributionsParticipated int      `json:"distributionsParticipated"`
	TotalAllocated            *big.Int `json:"totalAllocated"`
	TotalClaimed              *big.Int `json:"totalClaimed"`
	ClaimRate                 float64  `json:"claimRate"`
}

// Analytics aggregates claim behaviour across all stored distributions.
type Analytics struct {
	TotalDistributions int      `json:"totalDistributions"`
	TotalRewards       *big.Int `json:"totalRewards"`
	TotalClaimed       *big.Int `json:"totalClaimed"`
	// OverallClaimRate is total claimed over total rewards; zero when
	// nothing has been distributed.
	OverallClaimRate float64 `json:"overallClaimRate"`
	// AverageClaimRate is the unweighted mean of per-distribution claim
	// rates, so small distributions count as much as large ones.
	AverageClaimRate  float64        `json:"averageClaimRate"`
	TopDistributionID uint64         `json:"topDistributionId,omitempty"`
	TopDistribution   *big.Int       `json:"topDistributionRewards,omitempty"`
	User              *UserAnalytics `json:"user,omitempty"`
}

// ComputeAnalytics builds aggregates from local records only; it never
// touches the chain. address is optional.
func (s *Service) ComputeAnalytics(ctx context.Context, address string) (*Analytics, error) {
	all, err := s.cfg.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}

	out := &Analytics{
		TotalDistributions: len(all),
		TotalRewards:       new(big.Int),
		TotalClaimed:       new(big.Int),
	}

	var rateSum float64
	var rated int
	for _, d := range all {
		claimed := d.TotalClaimed()
		out.TotalRewards.Add(out.TotalRewards, d.TotalRewards)
		out.TotalClaimed.Add(out.TotalClaimed, claimed)
		if d.TotalRewards.Sign() > 0 {
			rateSum += bigRatio(claimed, d.TotalRewards)
			rated++
		}
		if out.TopDistribution == nil || d.TotalRewards.Cmp(out.TopDistribution) > 0 {
			out.TopDistribution = new(big.Int).Set(d.TotalRewards)
			out.TopDistributionID = d.ID
		}
	}
	if out.TotalRewards.Sign() > 0 {
		out.OverallClaimRate = bigRatio(out.TotalClaimed, out.TotalRewards)
	}
	if rated > 0 {
		out.AverageClaimRate = rateSum / float64(rated)
	}

	if address != "" {
		addr, err := evm.ParseAddress(address)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}
		out.User = userAnalytics(all, addr.Hex())
	}
	return out, nil
}

func userAnalytics(all []*distribution.Distribution, key string) *UserAnalytics {
	u := &UserAnalytics{
		Address:        key,
		TotalAllocated: new(big.Int),
		TotalClaimed:   new(big.Int),
	}
	for _, d := range all {
		claim, ok := d.Claims[key]
		if !ok {
			continue
		}
		u.DistributionsParticipated++
		u.TotalAllocated.Add(u.TotalAllocated, claim.Amount)
		if claim.Claimed && claim.ClaimedAmount != nil {
			u.TotalClaimed.Add(u.TotalClaimed, claim.ClaimedAmount)
		}
	}
	if u.TotalAllocated.Sign() > 0 {
		u.ClaimRate = bigRatio(u.TotalClaimed, u.TotalAllocated)
	}
	return u
}

// MarkClaimed records that a user claimed on chain, then invalidates the
// claim cache for the distribution so reads converge immediately.
func (s *Service) MarkClaimed(ctx context.Context, id uint64, address string, amount *big.Int, txHash string) (*distribution.Distribution, error) {
	d, err := s.cfg.Repo.MarkClaimed(ctx, id, strings.ToLower(address), amount, txHash)
	if err != nil {
		return nil, err
	}
	s.cfg.Cache.Invalidate(id)
	return d, nil
}

// MarkReclaimed records that the operator swept unclaimed funds back.
func (s *Service) MarkReclaimed(ctx context.Context, id uint64, amount *big.Int, txHash string) (*distribution.Distribution, error) {
	d, err := s.cfg.Repo.MarkReclaimed(ctx, id, amount, txHash)
	if err != nil {
		return nil, err
	}
	s.cfg.Cache.Invalidate(id)
	return d, nil
}

func bigRatio(num, den *big.Int) float64 {
	f, _ := new(big.Rat).SetFrac(num, den).Float64()
	return f
}

func ratString(r *big.Rat) string {
	if r == nil {
		return "<nil>"
	}
	return r.FloatString(4)
}
