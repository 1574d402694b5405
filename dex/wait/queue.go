// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait polls a condition on a tapering schedule until it is satisfied,
// the deadline passes, or the context is canceled.
package wait

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/foonetic/serum-dex/dex/utils"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the poller to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain, when returned from the Waiter's TryFunc, instructs the poller
	// to try again after the next tapered delay.
	TryAgain TryDirective = false
	// DontTryAgain, when returned from the Waiter's TryFunc, instructs the
	// poller to quit trying.
	DontTryAgain TryDirective = true
)

// ErrExpired is returned by Poll when the Waiter's Expiration passes before
// the TryFunc returns DontTryAgain.
var ErrExpired = errors.New("waiter expired")

// Waiter is a function to run on a schedule until completion or expiration.
// Completion is indicated when the TryFunc returns DontTryAgain. Expiration
// occurs when TryAgain is returned after Expiration time.
type Waiter struct {
	// Expiration time is checked after the function returns TryAgain. If the
	// current time > Expiration, ExpireFunc will be run and Poll returns
	// ErrExpired.
	Expiration time.Time
	// TryFunc is the function to run periodically until DontTryAgain is
	// returned or Waiter expires.
	TryFunc func() TryDirective
	// ExpireFunc is an optional function to run in the case that the Waiter
	// expires.
	ExpireFunc func()
}

// tick speed is piecewise linear, constant at Fastest at or below
// fullSpeedTicks, linear from Fastest to Slowest between fullSpeedTicks and
// fullyTapered, and Slowest beyond that.
const (
	// fullSpeedTicks is the number of attempts that will be made with the
	// Fastest delay. After fullSpeedTicks, the retry speed will be tapered off.
	fullSpeedTicks = 3
	// Once the number of attempts has reached fullyTapered, the delay between
	// attempts will be set to Slowest.
	fullyTapered = 15
)

// Taper is the attempt schedule of Poll. The first attempts are spaced by
// Fastest, then the delay grows linearly to Slowest.
type Taper struct {
	Fastest time.Duration
	Slowest time.Duration
}

// Constant is a Taper that never changes speed.
func Constant(d time.Duration) Taper {
	return Taper{Fastest: d, Slowest: d}
}

// interval is the delay to apply after ticksPassed failed attempts.
func (t Taper) interval(ticksPassed int) time.Duration {
	switch {
	case ticksPassed < fullSpeedTicks:
		return t.Fastest
	case ticksPassed < fullyTapered: // ramp up the interval
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		taper := float64(t.Slowest - t.Fastest)
		return t.Fastest + time.Duration(math.Round(prog*taper))
	default:
		return t.Slowest
	}
}

// Poll runs w.TryFunc immediately and then on the Taper schedule until it
// returns DontTryAgain. If the Expiration passes first, ExpireFunc is run and
// ErrExpired is returned. Context cancellation returns the context's error
// without running ExpireFunc. Poll blocks the caller.
func Poll(ctx context.Context, w *Waiter, taper Taper) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for tick := 0; ; tick++ {
		if w.TryFunc() == DontTryAgain {
			return nil
		}
		now := time.Now()
		if !w.Expiration.IsZero() && now.After(w.Expiration) {
			if w.ExpireFunc != nil {
				w.ExpireFunc()
			}
			return ErrExpired
		}

		delay := taper.interval(tick)
		if !w.Expiration.IsZero() {
			// Always make one last attempt at the expiration time.
			delay = utils.Min(delay, w.Expiration.Sub(now)+time.Millisecond)
		}
		timer.Reset(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
