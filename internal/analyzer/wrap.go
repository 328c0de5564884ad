package analyzer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ljj1233/xufei-sub000/internal/task"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

// deadlineCapability enforces a hard per-call deadline around an inner
// capability. The inner Analyze runs in its own goroutine; if the
// deadline passes first the call returns DEADLINE_EXCEEDED immediately
// and the abandoned goroutine is left to observe its cancelled context.
// This keeps a stuck provider from starving the executor's worker pool.
type deadlineCapability struct {
	inner   Capability
	timeout time.Duration
}

// WithDeadline wraps a capability with a hard deadline. If timeout is
// zero the caller's context deadline alone applies.
func WithDeadline(inner Capability, timeout time.Duration) Capability {
	return &deadlineCapability{inner: inner, timeout: timeout}
}

func (d *deadlineCapability) Modality() task.Modality {
	return d.inner.Modality()
}

func (d *deadlineCapability) Analyze(ctx context.Context, in Input, params Params) (*AnalysisResult, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	type outcome struct {
		result *AnalysisResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := d.inner.Analyze(ctx, in, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED,
			fmt.Sprintf("%s analyzer exceeded its deadline", d.inner.Modality()), ctx.Err())
	}
}

// rateLimitedCapability throttles calls to an inner capability with a
// token bucket. Waiting respects the caller's context; a wait cut short
// by the deadline surfaces as DEADLINE_EXCEEDED like any other timeout.
type rateLimitedCapability struct {
	inner   Capability
	limiter *rate.Limiter
}

// WithRateLimit wraps a capability with a token-bucket limiter of r
// calls per second and the given burst.
func WithRateLimit(inner Capability, r float64, burst int) Capability {
	return &rateLimitedCapability{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(r), burst),
	}
}

func (rl *rateLimitedCapability) Modality() task.Modality {
	return rl.inner.Modality()
}

func (rl *rateLimitedCapability) Analyze(ctx context.Context, in Input, params Params) (*AnalysisResult, error) {
	if err := rl.limiter.Wait(ctx); err != nil {
		return nil, types.WrapRetryableError(types.DEADLINE_EXCEEDED,
			fmt.Sprintf("%s analyzer rate limit wait interrupted", rl.inner.Modality()), err)
	}
	return rl.inner.Analyze(ctx, in, params)
}
