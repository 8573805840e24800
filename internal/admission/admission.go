// Package admission decides whether a chat request may proceed: per-user
// fixed-window rate limits (separate budgets for plain and web-search
// chat) and a per-user ceiling on concurrent streams.
package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/metrics"
)

const window = time.Minute

type Config struct {
	// Requests per minute; a value <= 0 disables that counter.
	ChatRPM      int
	WebSearchRPM int
	// Max concurrent streams per user; <= 0 disables the ceiling.
	MaxStreams int
	// CountRejected keeps the increment made by an over-limit attempt, so
	// bursty retries cannot reset their own window. On by default.
	CountRejected bool
}

type Controller struct {
	counters CounterStore
	cfg      Config

	mu    sync.Mutex
	slots map[string]int
}

func NewController(counters CounterStore, cfg Config) *Controller {
	return &Controller{
		counters: counters,
		cfg:      cfg,
		slots:    make(map[string]int),
	}
}

// CheckRateLimit charges the base chat counter and, when webSearch is set,
// the web-search counter as well. An over-limit attempt is rejected with a
// retry-after hint of the remaining window time, rounded up, at least one
// second.
func (c *Controller) CheckRateLimit(ctx context.Context, userID string, webSearch bool) error {
	if err := c.charge(ctx, "chat:"+userID, c.cfg.ChatRPM); err != nil {
		return err
	}
	if webSearch {
		if err := c.charge(ctx, "websearch:"+userID, c.cfg.WebSearchRPM); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) charge(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}

	count, resetAt, err := c.counters.Incr(ctx, key, window)
	if err != nil {
		return err
	}

	if count <= limit {
		return nil
	}

	if !c.cfg.CountRejected {
		// Tunable policy: give the budget back on rejection.
		_ = c.counters.Decr(ctx, key)
	}

	metrics.RecordRateLimitHit()

	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return &domain.RateLimitError{RetryAfter: time.Duration(secs) * time.Second}
}

// ReserveStreamSlot reserves one concurrent-stream permit for the user. The
// returned release is idempotent: the first call decrements, later calls
// are no-ops. This guards the race between disconnect and completion
// handlers both releasing.
func (c *Controller) ReserveStreamSlot(userID string) (release func(), err error) {
	if c.cfg.MaxStreams <= 0 {
		return func() {}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slots[userID] >= c.cfg.MaxStreams {
		return nil, domain.ErrSlotExhausted
	}
	c.slots[userID]++
	metrics.IncActiveStreams()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.slots[userID]--
			if c.slots[userID] <= 0 {
				delete(c.slots, userID)
			}
			metrics.DecActiveStreams()
		})
	}, nil
}

// ActiveStreams reports the user's outstanding reservations.
func (c *Controller) ActiveStreams(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[userID]
}
