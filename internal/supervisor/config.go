package supervisor

import (
	"github.com/mattjoyce/courier/internal/config"
	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/journal"
)

// OptionsFromConfig maps the dispatch section of cfg onto Options. store may
// be nil to run without a journal.
func OptionsFromConfig(cfg *config.Config, store *journal.Store) Options {
	d := cfg.Dispatch
	return Options{
		Peer:            cfg.Peer,
		QueueCapacity:   d.QueueCapacity,
		ResponseTimeout: d.ResponseTimeout,
		Dispatch: dispatch.Options{
			MaxInFlight:       d.MaxInFlight,
			RateLimit:         d.RateLimit,
			RateBurst:         d.RateBurst,
			BreakerThreshold:  uint32(d.CircuitBreaker.Threshold),
			BreakerResetAfter: d.CircuitBreaker.ResetAfter,
		},
		Journal:          store,
		JournalRetention: cfg.Service.JournalRetention,
	}
}
