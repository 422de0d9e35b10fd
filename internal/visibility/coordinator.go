// Package visibility decides, when the client comes back to the foreground,
// whether local timer predictions can be trusted or a full resync is needed.
package visibility

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultThreshold is the longest hidden period after which local
// predictions are still trusted.
const DefaultThreshold = 30 * time.Second

// Timers is the part of the timer reconciler the coordinator drives.
type Timers interface {
	Suspend()
	Resume()
	Resync(ctx context.Context) error
}

// Coordinator tracks foreground/background transitions.
type Coordinator struct {
	timers    Timers
	threshold time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	hidden   bool
	hiddenAt time.Time
}

// New creates a coordinator. threshold <= 0 uses DefaultThreshold.
func New(timers Timers, threshold time.Duration, logger zerolog.Logger) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Coordinator{
		timers:    timers,
		threshold: threshold,
		log:       logger.With().Str("component", "visibility").Logger(),
		now:       time.Now,
	}
}

// Hidden records the moment the client went to the background and suspends
// the tick loop. Repeated calls keep the first timestamp.
func (c *Coordinator) Hidden() {
	c.mu.Lock()
	if c.hidden {
		c.mu.Unlock()
		return
	}
	c.hidden = true
	c.hiddenAt = c.now()
	c.mu.Unlock()

	c.timers.Suspend()
	c.log.Debug().Msg("visibility: hidden")
}

// Visible handles the return to the foreground. After a hidden period longer
// than the threshold every timer is refetched; otherwise ticking resumes from
// the last local values. The tick loop is resumed either way.
func (c *Coordinator) Visible(ctx context.Context) (resynced bool, err error) {
	c.mu.Lock()
	if !c.hidden {
		c.mu.Unlock()
		return false, nil
	}
	c.hidden = false
	away := c.now().Sub(c.hiddenAt)
	c.mu.Unlock()

	if away <= c.threshold {
		c.timers.Resume()
		c.log.Debug().Dur("away", away).Msg("visibility: visible, resuming")
		return false, nil
	}

	c.log.Info().Dur("away", away).Msg("visibility: visible after long hide, resyncing")
	err = c.timers.Resync(ctx)
	c.timers.Resume()
	if err != nil {
		c.log.Warn().Err(err).Msg("visibility: resync failed")
	}
	return true, err
}

// IsHidden reports whether the client is in the background.
func (c *Coordinator) IsHidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}

// Threshold returns the configured threshold.
func (c *Coordinator) Threshold() time.Duration {
	return c.threshold
}
