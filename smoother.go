package gocondfetch

import (
	"context"
	"time"
)

// smoother holds back terminal state transitions until a minimum loading
// duration has elapsed, so fast answers do not flicker a loading indicator.
// It is purely presentational: the data path never depends on it.
type smoother struct {
	min   time.Duration
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func (c *Client) smoother(min time.Duration) smoother {
	return smoother{min: min, now: c.now, sleep: c.sleep}
}

// settle sleeps max(0, min - elapsed since started). It returns ctx.Err()
// when the wait was interrupted.
func (s smoother) settle(ctx context.Context, started time.Time) error {
	if s.min <= 0 {
		return nil
	}

	wait := s.min - s.now().Sub(started)
	if wait <= 0 {
		return nil
	}
	return s.sleep(ctx, wait)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
