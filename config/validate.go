package config

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Validate checks values that the tags cannot express. Load calls it.
func (c *Config) Validate() error {
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be >= 1 (got %d)", c.Database.MaxConns)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0 (got %s)", c.Scheduler.Interval)
	}
	if c.Scheduler.CheckTimeout <= 0 {
		return fmt.Errorf("scheduler.check_timeout must be > 0 (got %s)", c.Scheduler.CheckTimeout)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be >= 1 (got %d)", c.Scheduler.Concurrency)
	}
	if err := c.Dispatch.validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if c.Outbox.BatchSize < 1 || c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox: batch_size and max_attempts must be >= 1")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox.poll_interval must be > 0 (got %s)", c.Outbox.PollInterval)
	}
	if c.Outbox.Concurrency < 1 || c.Outbox.ClaimLease <= 0 {
		return fmt.Errorf("outbox: concurrency must be >= 1 and claim_lease > 0")
	}
	if c.Listener.Enabled && strings.TrimSpace(c.Listener.Channel) == "" {
		return fmt.Errorf("listener.channel must be set when the listener is enabled")
	}
	return nil
}

func (d *DispatchConfig) validate() error {
	if d.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", d.MaxAttempts)
	}
	if d.InitialBackoff <= 0 || d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if d.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", d.Concurrency)
	}
	if d.Lease <= 0 {
		return fmt.Errorf("lease must be > 0 (got %s)", d.Lease)
	}
	if _, err := language.Parse(d.Language); err != nil {
		return fmt.Errorf("language %q: %w", d.Language, err)
	}
	switch d.Transport {
	case "outbox", "log":
	default:
		return fmt.Errorf("transport must be outbox or log (got %q)", d.Transport)
	}
	return nil
}

// Tag returns the parsed summary language. Validate guarantees it parses.
func (d DispatchConfig) Tag() language.Tag {
	tag, err := language.Parse(d.Language)
	if err != nil {
		return language.English
	}
	return tag
}
