package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/stablemint/merkledrop/pkg/evm"
	"github.com/stablemint/merkledrop/pkg/metrics"
)

// DistributionInfo mirrors the contract's getDistributionInfo view.
type DistributionInfo struct {
	Root         evm.Hash
	TotalTokens  *big.Int
	TotalClaimed *big.Int
	Timestamp    time.Time
	Finalized    bool
}

type DistributorConfig struct {
	Logger *slog.Logger
	Reader *Reader
	// Contract is the distributor contract address.
	Contract evm.Address
	// Operator is the account startNewDistribution transactions are sent
	// from; the operator node holds its key.
	Operator evm.Address
	// HTTPClient is optional; a default client is used when nil. The
	// per-attempt deadline comes from the Reader's context.
	HTTPClient *http.Client
}

func (cfg *DistributorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Reader == nil {
		return errors.New("reader is required")
	}
	if cfg.Contract.IsZero() {
		return errors.New("contract address is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return nil
}

// Distributor is the typed client for the on-chain distributor contract.
// Reads go through the resilient Reader; the single write
// (StartNewDistribution) is one attempt against the primary endpoint and
// is never retried, since a retry could double-start a distribution.
type Distributor struct {
	log *slog.Logger
	cfg DistributorConfig
}

func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Distributor{log: cfg.Logger, cfg: cfg}, nil
}

// Contract returns the distributor contract address.
func (d *Distributor) Contract() evm.Address {
	return d.cfg.Contract
}

func (d *Distributor) GetDistributionInfo(ctx context.Context, id uint64) (DistributionInfo, error) {
	data := encodeCall("getDistributionInfo(uint256)", wordFromUint64(id))
	payload, err := d.ethCall(ctx, "getDistributionInfo", data)
	if err != nil {
		return DistributionInfo{}, fmt.Errorf("getDistributionInfo(%d): %w", id, err)
	}
	words, err := decodeWords(payload, 5)
	if err != nil {
		return DistributionInfo{}, fmt.Errorf("getDistributionInfo(%d): %w", id, err)
	}
	ts, err := wordToUint64(words[3])
	if err != nil {
		return DistributionInfo{}, fmt.Errorf("getDistributionInfo(%d): %w", id, err)
	}
	info := DistributionInfo{
		Root:         wordToHash(words[0]),
		TotalTokens:  wordToBig(words[1]),
		TotalClaimed: wordToBig(words[2]),
		Finalized:    wordToBool(words[4]),
	}
	// A zero chain timestamp means no root has been set yet; leave the
	// field as the zero time rather than converting it to the epoch.
	if ts != 0 {
		info.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	return info, nil
}

func (d *Distributor) IsClaimed(ctx context.Context, id uint64, index uint32) (bool, error) {
	data := encodeCall("isClaimed(uint256,uint256)", wordFromUint64(id), wordFromUint64(uint64(index)))
	payload, err := d.ethCall(ctx, "isClaimed", data)
	if err != nil {
		return false, fmt.Errorf("isClaimed(%d,%d): %w", id, index, err)
	}
	words, err := decodeWords(payload, 1)
	if err != nil {
		return false, fmt.Errorf("isClaimed(%d,%d): %w", id, index, err)
	}
	return wordToBool(words[0]), nil
}

func (d *Distributor) CurrentDistributionID(ctx context.Context) (uint64, error) {
	data := encodeCall("currentDistributionId()")
	payload, err := d.ethCall(ctx, "currentDistributionId", data)
	if err != nil {
		return 0, fmt.Errorf("currentDistributionId: %w", err)
	}
	words, err := decodeWords(payload, 1)
	if err != nil {
		return 0, fmt.Errorf("currentDistributionId: %w", err)
	}
	return wordToUint64(words[0])
}

// StartNewDistribution publishes a new Merkle root on-chain and returns the
// transaction hash. Exactly one attempt: any failure after the transaction
// may have been sent is ambiguous and needs operator intervention, so this
// must never be wrapped in a retry.
func (d *Distributor) StartNewDistribution(ctx context.Context, root evm.Hash, totalTokens *big.Int) (string, error) {
	if d.cfg.Operator.IsZero() {
		return "", errors.New("operator address is required for on-chain writes")
	}
	data := encodeCall("startNewDistribution(bytes32,uint256)", wordFromHash(root), wordFromBig(totalTokens))

	started := time.Now()
	var txHash string
	err := rpcCall(ctx, d.cfg.HTTPClient, d.cfg.Reader.Primary(), "eth_sendTransaction", []any{
		map[string]string{
			"from": d.cfg.Operator.Hex(),
			"to":   d.cfg.Contract.Hex(),
			"data": data,
		},
	}, &txHash)
	d.observe("startNewDistribution", started, err)
	if err != nil {
		return "", fmt.Errorf("startNewDistribution: %w", err)
	}
	d.log.Info("chain: started new distribution",
		"root", root.Hex(), "totalTokens", totalTokens.String(), "tx", txHash)
	return txHash, nil
}

func (d *Distributor) ethCall(ctx context.Context, method, data string) (string, error) {
	started := time.Now()
	var payload string
	err := d.cfg.Reader.Execute(ctx, func(ctx context.Context, endpoint string) error {
		return rpcCall(ctx, d.cfg.HTTPClient, endpoint, "eth_call", []any{
			map[string]string{
				"to":   d.cfg.Contract.Hex(),
				"data": data,
			},
			"latest",
		}, &payload)
	})
	d.observe(method, started, err)
	if err != nil {
		return "", err
	}
	return payload, nil
}

func (d *Distributor) observe(method string, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ChainCallsTotal.WithLabelValues(method, status).Inc()
	metrics.ChainCallDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}
