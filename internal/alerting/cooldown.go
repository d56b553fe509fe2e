package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Cooldown suppresses repeats of the same kind for the same device within a
// window. A failed delivery does not start the window.
type Cooldown struct {
	next   Notifier
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown wraps next. A non-positive window passes everything through.
func NewCooldown(next Notifier, window time.Duration, now func() time.Time, logger zerolog.Logger) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{
		next:   next,
		window: window,
		now:    now,
		logger: logger.With().Str("component", "alert_cooldown").Logger(),
		last:   make(map[string]time.Time),
	}
}

// Notify forwards note unless an identical kind was delivered recently.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	key := string(note.Kind) + "/" + note.DeviceID
	now := c.now()

	c.mu.Lock()
	if prev, ok := c.last[key]; ok && c.window > 0 && now.Sub(prev) < c.window {
		c.mu.Unlock()
		c.logger.Debug().Str("key", key).Time("last", prev).Msg("告警冷却中, 跳过")
		return nil
	}
	c.mu.Unlock()

	if err := c.next.Notify(ctx, note); err != nil {
		return err
	}

	c.mu.Lock()
	c.last[key] = now
	c.mu.Unlock()
	return nil
}

var _ Notifier = (*Cooldown)(nil)
