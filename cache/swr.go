package cache

import (
	"context"
	"time"
)

// SWRResult is the outcome of a stale-while-revalidate load.
type SWRResult struct {
	// Value is the returned value, either fresh from the loader or the
	// stale fallback.
	Value interface{}

	// Stale reports whether Value is the stale fallback rather than a
	// fresh loader result.
	Stale bool
}

// SWROptions controls how a stale fallback interacts with a live load.
type SWROptions struct {
	// StaleValue is the fallback served when the load is slow or fails.
	// Only consulted when HasStale is true.
	StaleValue interface{}
	HasStale   bool

	// Timeout bounds how long the caller waits for the loader before
	// falling back to StaleValue. Nil means wait for the loader. A zero
	// duration returns the stale value immediately and refreshes in the
	// background.
	Timeout *time.Duration

	// AbortOnTimeout cancels the loader's context when the timeout
	// fires. A late result is discarded either way.
	AbortOnTimeout bool

	// BackgroundRefresh runs after the stale value is returned on the
	// timeout path, so the caller can schedule a detached refresh.
	BackgroundRefresh func()
}

type swrOutcome struct {
	value interface{}
	err   error
}

// WithSWR runs loader with a stale fallback. Behavior by configuration:
//
//   - no stale value: await the loader and return its result or error
//   - zero timeout: return the stale value now, refresh in background
//   - positive timeout: race the loader against the timeout, falling
//     back to the stale value when the deadline passes
//   - no timeout: await the loader, returning the stale value if it
//     fails
func WithSWR(ctx context.Context, loader Loader, opts SWROptions) (SWRResult, error) {
	if !opts.HasStale {
		value, err := loader(ctx)
		if err != nil {
			return SWRResult{}, err
		}
		return SWRResult{Value: value}, nil
	}

	if opts.Timeout != nil && *opts.Timeout <= 0 {
		if opts.BackgroundRefresh != nil {
			go opts.BackgroundRefresh()
		}
		return SWRResult{Value: opts.StaleValue, Stale: true}, nil
	}

	loadCtx, cancel := context.WithCancel(ctx)
	resultCh := make(chan swrOutcome, 1)
	go func() {
		defer cancel()
		value, err := loader(loadCtx)
		resultCh <- swrOutcome{value: value, err: err}
	}()

	if opts.Timeout == nil {
		out := <-resultCh
		if out.err != nil {
			// Stale beats an error.
			return SWRResult{Value: opts.StaleValue, Stale: true}, nil
		}
		return SWRResult{Value: out.value}, nil
	}

	timer := time.NewTimer(*opts.Timeout)
	defer timer.Stop()

	select {
	case out := <-resultCh:
		if out.err != nil {
			return SWRResult{Value: opts.StaleValue, Stale: true}, nil
		}
		return SWRResult{Value: out.value}, nil
	case <-timer.C:
		if opts.AbortOnTimeout {
			cancel()
		}
		if opts.BackgroundRefresh != nil {
			go opts.BackgroundRefresh()
		}
		return SWRResult{Value: opts.StaleValue, Stale: true}, nil
	}
}
