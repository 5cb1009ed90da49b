package fn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestFromPair(t *testing.T) {
	if FromPair(strconv.Atoi("42")).Must() != 42 {
		t.Fatal("FromPair lost the value")
	}
	r := FromPair(strconv.Atoi("nope"))
	if r.IsOk() || !r.IsErr() {
		t.Fatal("FromPair should fail")
	}
	if _, err := r.Unwrap(); err == nil {
		t.Fatal("error lost")
	}
}

func TestFilterAndMap(t *testing.T) {
	ids := Filter([]string{"1", "", "3"}, func(s string) bool { return s != "" })
	lens := Map(ids, func(s string) int { return len(s) })
	if len(lens) != 2 || lens[0] != 1 {
		t.Fatalf("got %v", lens)
	}
}

func TestUniqueByKeepsFirst(t *testing.T) {
	type hit struct {
		id    string
		score float32
	}
	out := UniqueBy([]hit{{"a", 0.1}, {"b", 0.2}, {"a", 0.3}}, func(h hit) string { return h.id })
	if len(out) != 2 || out[0].score != 0.1 || out[1].id != "b" {
		t.Fatalf("UniqueBy failed: %+v", out)
	}
}

func TestFanOutCtxRunsConcurrently(t *testing.T) {
	sleep := func(d time.Duration, v int) func(context.Context) Result[int] {
		return func(context.Context) Result[int] {
			time.Sleep(d)
			return Ok(v)
		}
	}
	start := time.Now()
	out := FanOutCtx(context.Background(), sleep(100*time.Millisecond, 1), sleep(100*time.Millisecond, 2))
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Fatalf("branches ran sequentially: %v", elapsed)
	}
	if out[0].Must() != 1 || out[1].Must() != 2 {
		t.Fatal("results out of order")
	}
}

func TestFanOutCtxAbandonsStuckBranch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	out := FanOutCtx(ctx,
		func(context.Context) Result[int] { return Ok(7) },
		func(context.Context) Result[int] { <-block; return Ok(0) },
	)
	if time.Since(start) > time.Second {
		t.Fatal("FanOutCtx waited for the stuck branch")
	}
	if out[0].Must() != 7 {
		t.Fatal("fast branch result lost")
	}
	if _, err := out[1].Unwrap(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestThenShortCircuits(t *testing.T) {
	fail := Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("fail")) })
	called := false
	second := Stage[int, int](func(_ context.Context, v int) Result[int] {
		called = true
		return Ok(v)
	})
	if Then(fail, second)(context.Background(), 1).IsOk() {
		t.Fatal("Then should fail")
	}
	if called {
		t.Fatal("second stage should not run after error")
	}
}

func TestPipelineAndTraced(t *testing.T) {
	double := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v * 2) })
	p := TracedStage("double-twice", Pipeline(double, double))
	if p(context.Background(), 3).Must() != 12 {
		t.Fatal("Pipeline failed")
	}
}

func fastRetry(attempts int) RetryOpts {
	return RetryOpts{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls, retries := 0, 0
	opts := fastRetry(3)
	opts.OnRetry = func(int, error, time.Duration) { retries++ }
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errors.New("not yet"))
		}
		return Ok(calls)
	})
	if r.Must() != 3 || retries != 2 {
		t.Fatalf("calls=%d retries=%d", calls, retries)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), fastRetry(2), Attempt(func(context.Context) error {
		calls++
		return boom
	}))
	if _, e := err.Unwrap(); !errors.Is(e, boom) || calls != 2 {
		t.Fatalf("calls=%d err=%v", calls, e)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	opts := fastRetry(5)
	opts.Retryable = func(err error) bool { return !errors.Is(err, permanent) }
	calls := 0
	Retry(context.Background(), opts, Attempt(func(context.Context) error {
		calls++
		return permanent
	}))
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 5, InitialWait: time.Second, MaxWait: time.Second}, func(context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
