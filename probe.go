package standby

import (
	"context"
	"time"
)

const defaultProbeTimeout = 3 * time.Second

// Pinger reports remote reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober attempts a short-timeout connection to the remote store and
// reports whether it is reachable. Probing never mutates engine state; the
// Manager decides what to do with the answer.
type Prober struct {
	target  Pinger
	timeout time.Duration
}

// NewProber wraps a pingable target with a bounded probe timeout.
func NewProber(target Pinger, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{target: target, timeout: timeout}
}

// Probe reports nil when the remote store answered within the timeout.
func (p *Prober) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.target.Ping(ctx)
}
