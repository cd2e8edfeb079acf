package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vpbank/snmp_gateway/pkg/snmpgateway/publish"
)

// CheckFunc reports whether the platform answers. nil means reachable.
type CheckFunc func(ctx context.Context) error

// ProberConfig tunes the Prober.
type ProberConfig struct {
	// Interval is how often availability is inspected, and the first retry
	// delay once the platform is down (default 10s).
	Interval time.Duration

	// MaxInterval caps the retry delay while down (default 2m).
	MaxInterval time.Duration

	// CheckTimeout bounds one check (default 5s).
	CheckTimeout time.Duration
}

func (c *ProberConfig) withDefaults() ProberConfig {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 10 * time.Second
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 2 * time.Minute
	}
	if out.MaxInterval < out.Interval {
		out.MaxInterval = out.Interval
	}
	if out.CheckTimeout <= 0 {
		out.CheckTimeout = 5 * time.Second
	}
	return out
}

// Prober is the only component that sets the platform available again.
// While the platform is up it does nothing; once a pipeline has marked it
// down, it runs check with exponential backoff until check succeeds.
type Prober struct {
	cfg    ProberConfig
	avail  *publish.Availability
	check  CheckFunc
	logger *slog.Logger
}

func NewProber(cfg ProberConfig, avail *publish.Availability, check CheckFunc, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Prober{cfg: cfg.withDefaults(), avail: avail, check: check, logger: logger}
}

// Run blocks until ctx is cancelled. It always returns nil.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.avail.IsAvailable() {
				continue
			}
			if p.waitForPlatform(ctx) {
				p.logger.Info("platform: available again")
			}
		}
	}
}

// Probe runs check once and marks the platform available on success.
func (p *Prober) Probe(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
	defer cancel()
	if err := p.check(cctx); err != nil {
		return err
	}
	p.avail.MarkAvailable()
	return nil
}

// waitForPlatform retries Probe until it succeeds or ctx is done.
func (p *Prober) waitForPlatform(ctx context.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Interval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return p.Probe(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		p.logger.Warn("platform: still unavailable", "error", err, "retry_in", next)
	})
	return err == nil
}
