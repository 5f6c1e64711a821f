// Package fanout implements the bounded-parallel fan-out primitive spec.md
// §5 calls parallel(fn, inputs, n): run fn over every input with up to n
// concurrent workers, wait for all of them, and return ordered results.
//
// It generalizes the teacher's pkg/pool.WorkerPool (a fire-and-forget
// channel-based worker pool) into a call-and-collect generic helper: every
// phase in the provisioner, planner, and monitor is "do this to every item
// in this list, in parallel, and tell me if any of them failed."
package fanout

import (
	"context"
	"fmt"
	"sync"
)

// Error pairs a failure with the input that produced it, so callers can
// report "the offending region/instance/step" per spec.md §7.
type Error[T any] struct {
	Input T
	Err   error
}

func (e *Error[T]) Error() string {
	return fmt.Sprintf("%v: %v", e.Input, e.Err)
}

func (e *Error[T]) Unwrap() error { return e.Err }

// Errors aggregates every failure from one fan-out call.
type Errors[T any] []*Error[T]

func (e Errors[T]) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d of the fan-out's tasks failed, first: %v", len(e), e[0])
}

// Parallel runs fn(ctx, input) for every element of inputs with at most n
// concurrent workers (n <= 0 means unlimited, one goroutine per input).
// It always waits for every worker to finish — a failing task does not
// cancel its siblings, matching spec.md §5's "a fan-out in progress is not
// cancelled mid-flight." Results are returned in input order; if any task
// failed, the returned error is a non-nil Errors[T] and results for the
// failed indices are the zero value of R.
func Parallel[T any, R any](ctx context.Context, inputs []T, n int, fn func(context.Context, T) (R, error)) ([]R, error) {
	results := make([]R, len(inputs))
	if len(inputs) == 0 {
		return results, nil
	}

	workers := n
	if workers <= 0 || workers > len(inputs) {
		workers = len(inputs)
	}

	type job struct {
		idx   int
		input T
	}
	jobs := make(chan job, len(inputs))
	for i, in := range inputs {
		jobs <- job{idx: i, input: in}
	}
	close(jobs)

	var (
		mu     sync.Mutex
		errs   Errors[T]
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				r, err := fn(ctx, j.input)
				if err != nil {
					mu.Lock()
					errs = append(errs, &Error[T]{Input: j.input, Err: err})
					mu.Unlock()
					continue
				}
				results[j.idx] = r
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return results, errs
	}
	return results, nil
}

// ParallelVoid is Parallel for side-effecting fn that return no value.
func ParallelVoid[T any](ctx context.Context, inputs []T, n int, fn func(context.Context, T) error) error {
	_, err := Parallel(ctx, inputs, n, func(ctx context.Context, in T) (struct{}, error) {
		return struct{}{}, fn(ctx, in)
	})
	return err
}
