package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Budget tracks the GitHub rate limit observed in response headers. Acquire
// may delay a request until the quota resets; it never re-sends anything.
type Budget struct {
	mu        sync.Mutex
	remaining int
	reset     time.Time
	now       func() time.Time
	probed    bool
	cooldown  time.Time
	notifyCh  chan struct{}
}

func NewBudget() *Budget {
	return &Budget{
		remaining: 5000, // Default conservative start
		reset:     time.Now().Add(1 * time.Hour),
		now:       time.Now,
		notifyCh:  make(chan struct{}),
	}
}

func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Acquire takes one request slot, blocking while the quota is exhausted or a
// Retry-After cooldown is active.
func (b *Budget) Acquire(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("Acquire: nil context")
	}
	if b == nil {
		return fmt.Errorf("Acquire: nil Budget")
	}
	if b.now == nil || b.notifyCh == nil {
		return fmt.Errorf("Acquire: Budget not initialized (use NewBudget)")
	}

	for {
		b.mu.Lock()
		now := b.now()
		ch := b.notifyCh

		switch {
		case now.Before(b.cooldown):
			until := b.cooldown
			b.mu.Unlock()
			if err := waitUntil(ctx, ch, until.Sub(now)); err != nil {
				return err
			}
		case b.remaining > 0:
			b.remaining--
			b.mu.Unlock()
			return nil
		case !now.Before(b.reset):
			// Reset has passed but no refreshed quota was observed yet: allow a
			// single probe, then wait for UpdateFromResponse.
			if !b.probed {
				b.probed = true
				b.mu.Unlock()
				return nil
			}
			b.mu.Unlock()
			if err := waitUntil(ctx, ch, -1); err != nil {
				return err
			}
		default:
			reset := b.reset
			b.mu.Unlock()
			if err := waitUntil(ctx, ch, reset.Sub(now)); err != nil {
				return err
			}
		}
	}
}

// waitUntil blocks until ctx is done, ch is closed, or d elapses. A negative d
// waits on ctx and ch only.
func waitUntil(ctx context.Context, ch <-chan struct{}, d time.Duration) error {
	if d < 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
	case <-timer.C:
	}
	return nil
}

func (b *Budget) UpdateFromResponse(resp *http.Response) {
	if resp == nil || b == nil || b.now == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false

	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		until := b.now().Add(time.Duration(seconds) * time.Second)
		if until.After(b.cooldown) {
			b.cooldown = until
			changed = true
		}
	}

	if val, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil && val >= 0 {
		if b.remaining != val {
			b.remaining = val
			changed = true
		}
	}

	if val, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil && val > 0 {
		newReset := time.Unix(val, 0)
		if !b.reset.Equal(newReset) {
			b.reset = newReset
			changed = true
		}
	}

	if changed {
		b.probed = false
		close(b.notifyCh)
		b.notifyCh = make(chan struct{})
	}
}
