package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	hookTimeout           = 10 * time.Second
	loggerShutdownTimeout = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	logger      *slog.Logger
	cleaners    []Callable
	mu          sync.Mutex
	cleaning    bool
	hookTimeout time.Duration
}

func NewCleaner(logger *slog.Logger) *Cleaner {
	return &Cleaner{logger: logger, hookTimeout: hookTimeout}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		c.logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Run blocks until ctx is done, then invokes the registered hooks in order and finally loggerShutdown.
// loggerShutdown may be nil.
func (c *Cleaner) Run(ctx context.Context, loggerShutdown Callable) error {
	<-ctx.Done()
	c.logger.Info("Shutdown requested, cleaning up")

	c.mu.Lock()
	c.cleaning = true
	cleanersCopy := make([]Callable, len(c.cleaners))
	copy(cleanersCopy, c.cleaners)
	c.mu.Unlock()

	c.logger.Debug("Starting cleanup", "hooks", len(cleanersCopy))

	var errs []error
	for i, callable := range cleanersCopy {
		if err := c.invoke(i, callable); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		c.logger.Error("Errors occurred during cleanup", "count", len(errs))
	} else {
		c.logger.Debug("All cleaners executed successfully")
	}
	c.logger.Info("Cleanup finished, server offline")

	if loggerShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), loggerShutdownTimeout)
		defer cancel()
		if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cleaner) invoke(idx int, callable Callable) error {
	c.logger.Debug("Invoking cleaner", "index", idx+1, "type", fmt.Sprintf("%T", callable))
	timeoutCtx, cancel := context.WithTimeout(context.Background(), c.hookTimeout)
	defer cancel()
	if err := callable.Invoke(timeoutCtx); err != nil {
		c.logger.Error("Cleaner failed", "index", idx+1, "type", fmt.Sprintf("%T", callable), "error", err)
		return fmt.Errorf("cleaner #%d: %w", idx+1, err)
	}
	return nil
}
