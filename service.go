package indexflow

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// NewServiceFromFile loads the YAML configuration at path and builds a
// Service. A nil logger logs JSON to stderr at the configured level.
func NewServiceFromFile(ctx context.Context, path string, logger ServiceLogger, deps ServiceDependencies) (*Service, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewJSONServiceLogger(cfg.LogLevel)
	}
	return NewService(ctx, cfg, logger, deps)
}

// Run starts svc and blocks until ctx is cancelled or the process receives
// SIGINT or SIGTERM. A shutdown caused by either is not an error.
func Run(ctx context.Context, svc *Service) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
