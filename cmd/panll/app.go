package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/panll/ensaid/internal/config"
	"github.com/panll/ensaid/internal/logging"
	"github.com/panll/ensaid/internal/metrics"
	"github.com/panll/ensaid/internal/orchestrator"
	"github.com/panll/ensaid/internal/provenance"
	"github.com/panll/ensaid/internal/sandbox"
	"github.com/panll/ensaid/pkg/events"
	"github.com/panll/ensaid/pkg/feedback"
	"github.com/panll/ensaid/pkg/feedback/githubpool"
	"github.com/panll/ensaid/pkg/feedback/natspool"
	"github.com/panll/ensaid/pkg/feedback/webhookpool"
	"github.com/panll/ensaid/pkg/store"
	"github.com/panll/ensaid/pkg/vexation"
)

// app holds every long-lived component of a running core.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *events.MemoryBus
	metrics *metrics.Metrics
	sink    *feedback.Sink
	orch    *orchestrator.Orchestrator
	prov    *provenance.Log

	closers []func() error
}

// loadConfig reads the config file and builds the logger. Logs go to w.
func loadConfig(flags *globalFlags, w io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logger, err := logging.New(w, cfg.LogLevel, flags.logJSON)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

// newApp opens stores, connects the feedback pool and builds the
// orchestrator. The initial profile file is loaded when it exists.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewMemoryBus(),
		metrics: metrics.New(),
	}

	sb, err := sandbox.New(sandbox.Config{
		AllowedPaths: cfg.Sandbox.AllowedPaths,
		DeniedPaths:  cfg.Sandbox.DeniedPaths,
		MaxFileSize:  cfg.Sandbox.MaxFileSize,
		Extensions:   cfg.Sandbox.Extensions,
	})
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.Store.Path != "" {
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
		bs, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		st = bs
		a.closers = append(a.closers, bs.Close)
	}

	if cfg.Provenance.Path != "" {
		if err := ensureDir(cfg.Provenance.Path); err != nil {
			a.Close()
			return nil, err
		}
		prov, err := provenance.Open(cfg.Provenance.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.prov = prov
		a.closers = append(a.closers, prov.Close)
	}

	pool, closePool, err := buildPool(cfg.Feedback, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closePool != nil {
		a.closers = append(a.closers, closePool)
	}

	a.sink = feedback.NewSink(pool, feedback.Config{
		QueueSize:     cfg.Feedback.QueueSize,
		AckTimeout:    cfg.Feedback.AckTimeout,
		SendTimeout:   cfg.Feedback.SendTimeout,
		RetryInterval: cfg.Feedback.RetryInterval,
		RatePerSecond: cfg.Feedback.RatePerSecond,
		Burst:         cfg.Feedback.Burst,
	}, feedback.WithLogger(logger.With("component", "feedback")))

	var trackerOpts []vexation.Option
	if cfg.Vexation.PruneEvery > 0 {
		trackerOpts = append(trackerOpts, vexation.WithPruneEvery(cfg.Vexation.PruneEvery))
	}

	a.orch, err = orchestrator.New(ctx, orchestrator.Options{
		Policy:         cfg.Vexation.Policy,
		TrackerOptions: trackerOpts,
		Sink:           a.sink,
		Bus:            a.bus,
		Metrics:        a.metrics,
		Provenance:     a.prov,
		Store:          st,
		Sandbox:        sb,
		Strictness: orchestrator.Strictness{
			Threshold: cfg.Strictness.Threshold,
			Profile:   cfg.Strictness.Profile,
		},
		ActiveProfile: cfg.Constraints.ActiveProfile,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if path := cfg.Constraints.ProfilesPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := a.orch.LoadProfiles(ctx, path); err != nil {
				a.Close()
				return nil, err
			}
		} else {
			logger.Warn("profiles file not found, starting without profiles", "path", path)
		}
	}
	return a, nil
}

// Close releases stores and pool connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// buildPool selects the feedback pool named by cfg.Pool. The returned close
// function may be nil.
func buildPool(cfg config.FeedbackConfig, logger *slog.Logger) (feedback.Pool, func() error, error) {
	switch cfg.Pool {
	case config.PoolLog, "":
		return feedback.NewLogPool(logger.With("component", "pool")), nil, nil
	case config.PoolGitHub:
		p, err := githubpool.New(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.Labels...)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case config.PoolNATS:
		p, err := natspool.Dial(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case config.PoolWebhook:
		p, err := webhookpool.New(cfg.Webhook.URL, cfg.Webhook.AllowedDomains,
			webhookpool.WithHeaders(cfg.Webhook.Headers))
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown feedback pool %q", cfg.Pool)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
