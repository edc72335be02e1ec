package sagaway

import (
	"time"

	"go.uber.org/zap"
)

type OrchestratorOption func(o *Orchestrator)

func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithAlerter(alerter Alerter) OrchestratorOption {
	return func(o *Orchestrator) {
		if alerter != nil {
			o.alerter = alerter
		}
	}
}

// WithStepInvoker replaces the default synchronous invoker, e.g. with an
// AsyncInvoker publishing to an event bus.
func WithStepInvoker(invoker StepInvoker) OrchestratorOption {
	return func(o *Orchestrator) {
		o.invoker = invoker
	}
}

// WithLeaseTTL bounds how long a crashed worker blocks takeover of its
// instances. Every CAS write renews the lease.
func WithLeaseTTL(ttl time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
	}
}

// WithLeaseOwner overrides the generated worker identity. Useful for tests
// and for stable identities across restarts of the same node.
func WithLeaseOwner(owner string) OrchestratorOption {
	return func(o *Orchestrator) {
		if owner != "" {
			o.owner = owner
		}
	}
}

// WithCASRetries caps how many times a worker re-reads and re-decides after
// a version conflict before giving up the operation.
func WithCASRetries(retries int) OrchestratorOption {
	return func(o *Orchestrator) {
		if retries > 0 {
			o.casRetries = retries
		}
	}
}

// WithClock injects a time source. Tests use it to drive timeouts.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}
