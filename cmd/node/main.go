package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oracle_consensus/pkg/config"
	"oracle_consensus/pkg/consensus"
	"oracle_consensus/pkg/database"
	"oracle_consensus/pkg/fetch"
	"oracle_consensus/pkg/p2p"
	"oracle_consensus/pkg/scheduler"
	"oracle_consensus/pkg/security"
	"oracle_consensus/pkg/signer"
	"oracle_consensus/pkg/utils"
	"oracle_consensus/pkg/validator"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	dataDir    = flag.String("data-dir", "./data", "Data directory path")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

// Node bundles the running services for ordered shutdown
type Node struct {
	db     *database.Service
	engine *consensus.Engine
	host   *p2p.Host
	sched  *scheduler.Scheduler
	logger *zap.Logger
	cancel context.CancelFunc
}

func main() {
	flag.Parse()

	logger, err := initLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration",
			zap.String("path", *configFile),
			zap.Error(err))
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Security.KeyFile), 0700); err != nil {
		logger.Fatal("Failed to create key directory", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := initializeNode(ctx, cfg, logger, cancel)
	if err != nil {
		logger.Fatal("Failed to initialize node", zap.Error(err))
	}

	setupGracefulShutdown(ctx, node, logger)

	<-ctx.Done()
}

func initializeNode(ctx context.Context, cfg *config.Config, logger *zap.Logger, cancel context.CancelFunc) (*Node, error) {
	initCtx, initCancel := context.WithTimeout(ctx, 60*time.Second)
	defer initCancel()

	db := database.NewService(&cfg.Database, logger)
	if err := db.Start(initCtx); err != nil {
		return nil, fmt.Errorf("starting database: %w", err)
	}

	repo := db.GetRepository()

	ledger := security.NewLedger(repo, logger, security.Params{
		InitialScore:        cfg.Reputation.InitialScore,
		AccuracyBonus:       cfg.Reputation.AccuracyBonus,
		MissPenalty:         cfg.Reputation.MissPenalty,
		WrongValuePenalty:   cfg.Reputation.WrongValuePenalty,
		CollusionPenalty:    cfg.Reputation.CollusionPenalty,
		SlashFraction:       cfg.Reputation.SlashFraction,
		MinEligibleScore:    cfg.Reputation.MinEligibleScore,
		MaxConsecutiveFails: cfg.Reputation.MaxConsecutiveFails,
		Cooldown:            cfg.Reputation.Cooldown,
	})
	if err := ledger.Load(initCtx); err != nil {
		db.Stop(context.Background())
		return nil, fmt.Errorf("loading reputation ledger: %w", err)
	}

	keys, err := loadSigningKeys(cfg.Security.KeyFile)
	if err != nil {
		db.Stop(context.Background())
		return nil, fmt.Errorf("loading signing keys: %w", err)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			db.Stop(context.Background())
			return nil, fmt.Errorf("deriving node ID: %w", err)
		}
		nodeID = hostname
	}

	if err := ledger.Register(initCtx, nodeID, keys.PublicKey(), cfg.Node.Stake); err != nil {
		db.Stop(context.Background())
		return nil, fmt.Errorf("registering validator: %w", err)
	}

	issuer, err := security.NewTokenIssuer([]byte(cfg.Security.JWTSecret), cfg.Security.TokenExpiry)
	if err != nil {
		db.Stop(context.Background())
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	token, err := issuer.Issue(nodeID)
	if err != nil {
		db.Stop(context.Background())
		return nil, fmt.Errorf("issuing enrollment token: %w", err)
	}

	var engine *consensus.Engine
	if cfg.Node.Coordinator {
		engine = consensus.NewEngine(cfg.Round, ledger, repo, logger, nil)
	}

	host, err := p2p.NewHost(ctx, cfg, logger)
	if err != nil {
		db.Stop(context.Background())
		return nil, fmt.Errorf("starting p2p host: %w", err)
	}

	var coordinator p2p.Coordinator
	if engine != nil {
		coordinator = engine
	}
	bridge := p2p.NewBridge(host, coordinator, issuer, nodeID, token, logger)
	if err := bridge.Start(ctx); err != nil {
		host.Close()
		db.Stop(context.Background())
		return nil, fmt.Errorf("starting p2p bridge: %w", err)
	}

	fetcher := fetch.NewHTTPFetcher(cfg.Fetch.BaseURL, cfg.Fetch.Timeout, logger)

	// The coordinator applies its own submissions directly; followers
	// publish them to the mesh.
	var target validator.Submitter
	if engine != nil {
		target = engine
	} else {
		target = p2p.NewRemoteSubmitter(host, token)
	}

	participant := validator.NewParticipant(nodeID, keys, fetcher, target, logger)
	utils.SafeGo(logger, func() {
		participant.Run(ctx, bridge.Events())
	})

	var sched *scheduler.Scheduler
	if engine != nil {
		sched = scheduler.NewScheduler(engine, &cfg.Scheduler, logger)
		if err := sched.Start(); err != nil {
			host.Close()
			db.Stop(context.Background())
			return nil, fmt.Errorf("starting scheduler: %w", err)
		}
		for _, feed := range cfg.Scheduler.Feeds {
			if err := sched.ScheduleFeed(feed.ID, feed.Schedule); err != nil {
				logger.Error("Failed to schedule feed",
					zap.String("feedID", feed.ID),
					zap.Error(err))
			}
		}
	}

	logger.Info("Node started",
		zap.String("node_id", nodeID),
		zap.Bool("coordinator", cfg.Node.Coordinator),
		zap.String("peer_id", host.ID()))

	return &Node{
		db:     db,
		engine: engine,
		host:   host,
		sched:  sched,
		logger: logger,
		cancel: cancel,
	}, nil
}

// loadSigningKeys restores the validator's BLS key pair from the
// encrypted key file, creating one on first run. The passphrase comes
// from ORACLE_KEY_PASSPHRASE.
func loadSigningKeys(keyFile string) (*signer.KeyPair, error) {
	passphrase := os.Getenv("ORACLE_KEY_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("ORACLE_KEY_PASSPHRASE is not set")
	}

	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		keys, err := signer.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating key pair: %w", err)
		}
		if err := security.SaveKeyFile(keyFile, keys.Seed(), []byte(passphrase)); err != nil {
			return nil, fmt.Errorf("saving key file: %w", err)
		}
		return keys, nil
	}

	secret, err := security.LoadKeyFile(keyFile, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return signer.KeyFromSecret(secret)
}

func (n *Node) stop(ctx context.Context) {
	if n.sched != nil {
		if err := n.sched.Stop(); err != nil {
			n.logger.Error("Shutdown error", zap.Error(err))
		}
	}
	if n.engine != nil {
		n.engine.Close()
	}
	if err := n.host.Close(); err != nil {
		n.logger.Error("Shutdown error", zap.Error(err))
	}
	if err := n.db.Stop(ctx); err != nil {
		n.logger.Error("Shutdown error", zap.Error(err))
	}
	n.logger.Info("All services stopped")
}

func setupGracefulShutdown(ctx context.Context, node *Node, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case <-ctx.Done():
			return
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		node.stop(shutdownCtx)
		node.cancel()
	}()
}

func initLogger(debug bool) (*zap.Logger, error) {
	cfg := utils.DefaultLogConfig()
	cfg.OutputPath = filepath.Join(*dataDir, "logs", "node.log")
	cfg.Debug = debug
	if debug {
		cfg.Level = "debug"
	}
	return utils.NewLogger(cfg)
}
