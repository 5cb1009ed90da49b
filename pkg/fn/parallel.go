package fn

import "context"

// FanOutCtx runs branches concurrently with a shared context and returns
// their results in argument order. If ctx is done before a branch returns,
// that branch's slot holds ctx.Err() and FanOutCtx returns without waiting
// for it.
func FanOutCtx[T any](ctx context.Context, fns ...func(context.Context) Result[T]) []Result[T] {
	type indexed struct {
		i int
		r Result[T]
	}
	out := make([]Result[T], len(fns))
	done := make([]bool, len(fns))
	ch := make(chan indexed, len(fns))
	for i, f := range fns {
		go func(i int, f func(context.Context) Result[T]) {
			ch <- indexed{i: i, r: f(ctx)}
		}(i, f)
	}
	for range fns {
		select {
		case v := <-ch:
			out[v.i] = v.r
			done[v.i] = true
		case <-ctx.Done():
			for i := range out {
				if !done[i] {
					out[i] = Err[T](ctx.Err())
				}
			}
			return out
		}
	}
	return out
}
