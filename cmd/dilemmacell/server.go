package main

import (
	"fmt"
	"os"

	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/lox/dilemmacell/cmd/dilemmacell/shared"
	"github.com/lox/dilemmacell/internal/auth"
	"github.com/lox/dilemmacell/internal/config"
	"github.com/lox/dilemmacell/internal/engine"
	"github.com/lox/dilemmacell/internal/escrow"
	"github.com/lox/dilemmacell/internal/server"
	"github.com/lox/dilemmacell/internal/store"
	_ "github.com/lox/dilemmacell/internal/store/leveldb"
	"github.com/lox/dilemmacell/internal/store/memstore"
	_ "github.com/lox/dilemmacell/internal/store/sqlite"
)

// ServerCmd runs the cell server. Flags override the config file and
// environment.
type ServerCmd struct {
	Config   string `kong:"short='c',default='dilemmacell.hcl',help='HCL config file (optional)'"`
	Addr     string `kong:"help='Listen host'"`
	AuthURL  string `kong:"name='auth-url',help='Identity service validating hello tokens (optional)'"`
	Port     int    `kong:"help='Listen port'"`
	Store    string `kong:"help='Store backend (memory, leveldb, sqlite)'"`
	DataDir  string `kong:"help='Directory for durable store backends'"`
	Owner    string `kong:"help='Owner address recorded at first start'"`
	MinStake string `kong:"help='Minimum creation stake recorded at first start'"`
	Seed     *int64 `kong:"help='Deterministic entropy seed for round counts (optional)'"`
	Debug    bool   `kong:"help='Enable debug logging'"`
	JSON     bool   `kong:"name='json',help='Log JSON lines'"`
}

func (c *ServerCmd) load() (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.Addr != "" {
		cfg.Server.Address = c.Addr
	}
	if c.AuthURL != "" {
		cfg.Server.AuthURL = c.AuthURL
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Store != "" {
		cfg.Store.Backend = c.Store
	}
	if c.DataDir != "" {
		cfg.Store.Dir = c.DataDir
	}
	if c.Owner != "" {
		cfg.Engine.Owner = c.Owner
	}
	if c.MinStake != "" {
		cfg.Engine.MinStake = c.MinStake
	}
	if c.Seed != nil {
		cfg.Engine.EntropySeed = *c.Seed
	}
	if c.Debug {
		cfg.Server.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func (c *ServerCmd) Run() error {
	cfg, err := c.load()
	if err != nil {
		return err
	}

	logger := shared.SetupLogger(cfg.Server.LogLevel)
	if c.JSON {
		logger = shared.SetupStructuredLogger(cfg.Server.LogLevel)
	}

	if cfg.Store.Backend != memstore.Name {
		if err := os.MkdirAll(cfg.Store.Dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.Store.Backend, cfg.Store.Dir)
	if err != nil {
		return err
	}
	defer st.Close()

	minStake, _ := cfg.MinStake()
	funding, _ := cfg.Funding()
	retry, _ := cfg.RetryInterval()

	vault := escrow.NewVault()
	if !funding.IsZero() {
		vault.Deposit(common.Address{}, &funding)
	}

	var entropy engine.EntropySource = engine.NewClockEntropy(quartz.NewReal())
	if cfg.Engine.EntropySeed != 0 {
		logger.Info("Using deterministic entropy", "seed", cfg.Engine.EntropySeed)
		entropy = engine.NewSeededEntropy(cfg.Engine.EntropySeed)
	}

	opts := []server.Option{server.WithLogger(logger), server.WithEntropy(entropy)}
	if cfg.Server.AuthURL != "" {
		logger.Info("Validating hello tokens", "url", cfg.Server.AuthURL)
		opts = append(opts, server.WithAuth(auth.NewHTTPValidator(cfg.Server.AuthURL, cfg.Server.AuthSecret)))
	}
	srv := server.NewServer(opts...)
	eng := engine.New(engine.StoresFrom(st),
		engine.WithLogger(logger),
		engine.WithCustodian(vault),
		engine.WithSink(engine.MultiSink{engine.NewLogSink(logger), srv}),
	)
	srv.Attach(eng)

	ctx := shared.SetupSignalHandler(logger)
	if err := eng.Initialize(ctx, cfg.Owner(), minStake); err != nil {
		return err
	}

	logger.Info("Starting dilemmacell server",
		"address", cfg.ListenAddress(),
		"store", cfg.Store.Backend,
		"funding", funding.Dec(),
		"retry", retry,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.ListenAddress())
	})
	if retry > 0 {
		g.Go(func() error {
			eng.RetryLoop(ctx, retry)
			return nil
		})
	}
	return g.Wait()
}
