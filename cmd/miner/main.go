// Package main implements the gominer process: a Stratum client that mines
// Scrypt shares for a single pool worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

const (
	eventQueueSize  = 1024
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	exampleConfig := flag.Bool("example-config", false, "print an example TOML config and exit")
	flag.Parse()

	if *exampleConfig {
		data, err := config.ExampleFile()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render example config: %v\n", err)
			return 1
		}
		_, _ = os.Stdout.Write(data)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gominer",
		"version", cfg.Version,
		"pool", cfg.PoolAddr(),
		"user", cfg.PoolUser,
		"backend", cfg.HashBackend,
		"lanes", cfg.HashLanes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMiner(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("miner exited")
		return 1
	}

	logger.Info("gominer stopped")
	return 0
}

// newEngine builds the hash engine and, when share verification is on, a
// verifier running the other backend.
func newEngine(cfg *config.Config) (*hashing.Engine, hashing.Backend, error) {
	backend, err := hashing.NewBackend(cfg.HashBackend)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "hash_backend", "invalid hash backend")
	}

	var verifier hashing.Backend
	if cfg.VerifyShares {
		other := hashing.BackendXCrypto
		if cfg.HashBackend == hashing.BackendXCrypto {
			other = hashing.BackendReference
		}
		if verifier, err = hashing.NewBackend(other); err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "hash_backend", "invalid verifier backend")
		}
	}

	return hashing.NewEngine(backend, cfg.HashLanes), verifier, nil
}

// newMiner wires the Stratum client components around one transport.
func newMiner(cfg *config.Config, engine *hashing.Engine, verifier hashing.Backend, events miner.Emitter, logger *log.Logger) *miner.Miner {
	transport := stratum.NewTransport(stratum.TransportConfig{
		Addr:             cfg.PoolAddr(),
		ReadPollInterval: cfg.ReadPollInterval,
		WriteTimeout:     cfg.WriteTimeout,
		MaxMessageSize:   cfg.MaxMessageSize,
		QueueSize:        cfg.QueueSize,
	}, logger)

	session := stratum.NewSession(stratum.SessionConfig{
		UserAgent:        cfg.UserAgent,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, logger)

	submitter := stratum.NewSubmitter(transport, session, stratum.SubmitterConfig{
		Timeout:          cfg.SubmitTimeout,
		Rate:             cfg.SubmitRate,
		TransientReasons: cfg.TransientRejectReasons,
	}, logger)

	backoff := retry.ReconnectConfig()
	backoff.BaseDelay = cfg.BackoffBase
	backoff.MaxDelay = cfg.BackoffMax
	supervisor := stratum.NewSupervisor(stratum.SupervisorConfig{
		KeepaliveInterval:   cfg.KeepaliveInterval,
		ResubscribeInterval: cfg.ResubscribeInterval,
		Backoff:             backoff,
	}, transport.Liveness(), logger)

	pool := cfg.PoolName
	if pool == "" {
		pool = cfg.PoolHost
	}

	return miner.New(miner.Config{
		Pool:          pool,
		User:          cfg.PoolUser,
		Pass:          cfg.PoolPass,
		BatchSize:     uint32(cfg.BatchSize),
		StatsInterval: cfg.StatsInterval,
	}, miner.Deps{
		Conn:       transport,
		Session:    session,
		Submitter:  submitter,
		Supervisor: supervisor,
		Engine:     engine,
		Validator:  validation.NewCandidateValidator(verifier),
		Events:     events,
	}, logger)
}

// runMiner mines until ctx is cancelled or the pool refuses the worker.
func runMiner(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	engine, verifier, err := newEngine(cfg)
	if err != nil {
		return err
	}

	manager, err := database.NewManager(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	dispatcher := messaging.NewDispatcher(logger, eventQueueSize, manager.Sinks()...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(sinkCtx)
	}()
	manager.StartPeriodicTasks(sinkCtx, cfg.StatsInterval, cfg.PoolUser)
	logger.Info("event dispatcher started", "sinks", dispatcher.Sinks())

	m := newMiner(cfg, engine, verifier, dispatcher, logger)

	switch {
	case cfg.NodeZMQAddr != "":
		if err := watchNode(ctx, &wg, cfg.NodeZMQAddr, m.NotifyBlock, logger); err != nil {
			logger.WithError(err).Warn("node block notifications disabled")
		}
	case cfg.NodeRPCAddr != "":
		if err := pollNode(ctx, &wg, cfg, m.NotifyBlock, logger); err != nil {
			logger.WithError(err).Warn("node tip polling disabled")
		}
	}

	runErr := m.Run(ctx)

	stopSinks()
	if !waitTimeout(&wg, shutdownTimeout) {
		logger.Warn("shutdown timed out waiting for background tasks")
	}
	if err := dispatcher.Close(); err != nil {
		logger.WithError(err).Warn("failed to close sinks")
	}
	logger.Info("event delivery finished",
		"delivered", dispatcher.Delivered(),
		"dropped", dispatcher.Dropped())

	return runErr
}

// watchNode subscribes to hashblock announcements from a local node.
func watchNode(ctx context.Context, wg *sync.WaitGroup, endpoint string, onBlock func([32]byte), logger *log.Logger) error {
	notifier, err := bitcoin.NewZMQNotifier(endpoint, logger)
	if err != nil {
		return err
	}
	if err := notifier.Subscribe(bitcoin.TopicHashBlock); err != nil {
		_ = notifier.Close()
		return err
	}
	if err := notifier.Connect(); err != nil {
		_ = notifier.Close()
		return err
	}

	handler := bitcoin.NewBlockNotificationHandler(logger.WithComponent("zmq"), onBlock)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if err := notifier.Close(); err != nil {
				logger.WithError(err).Warn("failed to close ZMQ notifier")
			}
		}()
		logListenerExit(ctx, "zmq", notifier.Listen(ctx, handler.HandleMessage), logger)
	}()
	return nil
}

// logListenerExit logs err unless ctx ending the listener caused it.
func logListenerExit(ctx context.Context, source string, err error, logger *log.Logger) {
	if err == nil || ctx.Err() != nil {
		return
	}
	logger.WithError(err).Error("node block notifications stopped", "source", source)
}

// pollNode watches the chain tip over JSON-RPC.
func pollNode(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, onBlock func([32]byte), logger *log.Logger) error {
	client, err := bitcoin.NewNodeClient(cfg.NodeRPCAddr, cfg.NodeRPCUser, cfg.NodeRPCPass, logger)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer client.Close()
		client.Watch(ctx, cfg.NodeRPCPollInterval, onBlock)
	}()
	return nil
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
