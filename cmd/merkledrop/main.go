package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/stablemint/merkledrop/pkg/alert"
	"github.com/stablemint/merkledrop/pkg/cache"
	"github.com/stablemint/merkledrop/pkg/chain"
	"github.com/stablemint/merkledrop/pkg/evm"
	"github.com/stablemint/merkledrop/pkg/logger"
	"github.com/stablemint/merkledrop/pkg/metrics"
	"github.com/stablemint/merkledrop/pkg/server"
	"github.com/stablemint/merkledrop/pkg/service"
	"github.com/stablemint/merkledrop/pkg/store"
	"github.com/stablemint/merkledrop/pkg/tiers"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", "0.0.0.0:8080", "address for the HTTP API (or set LISTEN_ADDR env var)")

	dbURLFlag := flag.String("db-url", "", "Postgres connection URL; empty runs with the in-memory store (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "run database migrations and exit")

	tiersConfigFlag := flag.String("tiers-config", "tiers.json", "path to the tier/fee configuration file (or set TIERS_CONFIG env var)")

	rpcEndpointsFlag := flag.StringSlice("rpc-endpoint", nil, "RPC provider URL, repeatable; first is primary (or set RPC_ENDPOINTS env var, comma separated)")
	contractFlag := flag.String("contract", "", "distributor contract address (or set DISTRIBUTOR_CONTRACT env var)")
	operatorFlag := flag.String("operator", "", "operator account address for startNewDistribution (or set OPERATOR_ADDRESS env var)")

	snapshotURLFlag := flag.String("snapshot-url", "", "balance snapshot endpoint; empty disables the distribution scheduler (or set SNAPSHOT_URL env var)")
	intervalFlag := flag.Duration("distribution-interval", 24*time.Hour, "how often the scheduler attempts a distribution")
	cacheTTLFlag := flag.Duration("claim-cache-ttl", cache.DefaultTTL, "TTL for cached claim statuses")
	historyLimitFlag := flag.Int("history-limit", 10, "maximum distributions returned by the history endpoint")

	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for integrity fault reporting; empty disables (or set SENTRY_DSN env var)")
	allowedOriginsFlag := flag.StringSlice("allowed-origin", nil, "allowed CORS origin, repeatable; default allows all")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*dbURLFlag = env
	}
	if env := os.Getenv("TIERS_CONFIG"); env != "" {
		*tiersConfigFlag = env
	}
	if env := os.Getenv("RPC_ENDPOINTS"); env != "" {
		*rpcEndpointsFlag = splitComma(env)
	}
	if env := os.Getenv("DISTRIBUTOR_CONTRACT"); env != "" {
		*contractFlag = env
	}
	if env := os.Getenv("OPERATOR_ADDRESS"); env != "" {
		*operatorFlag = env
	}
	if env := os.Getenv("SNAPSHOT_URL"); env != "" {
		*snapshotURLFlag = env
	}
	if env := os.Getenv("SENTRY_DSN"); env != "" {
		*sentryDSNFlag = env
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if *dbURLFlag == "" {
			return fmt.Errorf("--db-url is required for --migrate")
		}
		return store.RunMigrations(ctx, log, *dbURLFlag)
	}

	if len(*rpcEndpointsFlag) == 0 {
		return fmt.Errorf("at least one --rpc-endpoint is required")
	}
	contract, err := evm.ParseAddress(*contractFlag)
	if err != nil {
		return fmt.Errorf("invalid --contract: %w", err)
	}
	operator, err := evm.ParseAddress(*operatorFlag)
	if err != nil {
		return fmt.Errorf("invalid --operator: %w", err)
	}

	params, fees, err := tiers.LoadParams(*tiersConfigFlag)
	if err != nil {
		return fmt.Errorf("failed to load tier config: %w", err)
	}

	var reporter alert.Reporter = alert.NopReporter{}
	if *sentryDSNFlag != "" {
		sentryReporter, err := alert.NewSentryReporter(alert.SentryConfig{
			DSN:         *sentryDSNFlag,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentryReporter.Flush(2 * time.Second)
		reporter = sentryReporter
	}

	var repo store.Repository
	var ready func(ctx context.Context) error
	if *dbURLFlag != "" {
		pool, err := pgxpool.New(ctx, *dbURLFlag)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		defer pool.Close()

		pg, err := store.NewPostgres(store.PostgresConfig{Logger: log, Pool: pool})
		if err != nil {
			return fmt.Errorf("failed to create postgres store: %w", err)
		}
		repo = pg
		ready = pg.Ping
		log.Info("main: using postgres store")
	} else {
		mem, err := store.NewMemory(store.MemoryConfig{Logger: log})
		if err != nil {
			return fmt.Errorf("failed to create memory store: %w", err)
		}
		repo = mem
		log.Warn("main: using in-memory store, distributions will not survive restarts")
	}

	reader, err := chain.NewReader(chain.ReaderConfig{
		Logger:    log,
		Endpoints: *rpcEndpointsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create chain reader: %w", err)
	}

	distributor, err := chain.NewDistributor(chain.DistributorConfig{
		Logger:   log,
		Reader:   reader,
		Contract: contract,
		Operator: operator,
	})
	if err != nil {
		return fmt.Errorf("failed to create distributor client: %w", err)
	}

	claimCache, err := cache.NewClaimCache(cache.ClaimCacheConfig{
		Logger:   log,
		Checker:  distributor,
		Contract: contract,
		TTL:      *cacheTTLFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create claim cache: %w", err)
	}

	svc, err := service.New(service.Config{
		Logger:       log,
		Repo:         repo,
		Chain:        distributor,
		Cache:        claimCache,
		Tiers:        params,
		Fees:         fees,
		HistoryLimit: *historyLimitFlag,
		Reporter:     reporter,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if *snapshotURLFlag != "" {
		source, err := service.NewHTTPSnapshotSource(service.HTTPSnapshotSourceConfig{URL: *snapshotURLFlag})
		if err != nil {
			return fmt.Errorf("failed to create snapshot source: %w", err)
		}
		scheduler, err := service.NewScheduler(service.SchedulerConfig{
			Logger:   log,
			Service:  svc,
			Source:   source,
			Interval: *intervalFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		scheduler.Start(ctx)
	} else {
		log.Warn("main: no snapshot url configured, distribution scheduler disabled")
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := server.New(server.Config{
		Logger:         log,
		Service:        svc,
		ListenAddr:     *listenAddrFlag,
		Ready:          ready,
		AllowedOrigins: *allowedOriginsFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
