package fanout_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplane-ctl/pkg/fanout"
)

func TestParallel_PreservesOrder(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4, 5, 6, 7}
	results, err := fanout.Parallel(context.Background(), inputs, 3, func(_ context.Context, i int) (int, error) {
		return i * i, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 9, 16, 25, 36, 49}, results)
}

func TestParallel_EmptyInputs(t *testing.T) {
	results, err := fanout.Parallel(context.Background(), []int{}, 4, func(_ context.Context, i int) (int, error) {
		t.Fatal("fn should never be called for empty inputs")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestParallel_AggregatesErrors(t *testing.T) {
	inputs := []string{"a", "b", "c"}
	_, err := fanout.Parallel(context.Background(), inputs, 0, func(_ context.Context, s string) (struct{}, error) {
		if s == "b" {
			return struct{}{}, fmt.Errorf("bad input")
		}
		return struct{}{}, nil
	})
	require.Error(t, err)

	var errs fanout.Errors[string]
	require.ErrorAs(t, err, &errs)
	require.Len(t, errs, 1)
	assert.Equal(t, "b", errs[0].Input)
}

func TestParallel_DoesNotCancelSiblingsOnFailure(t *testing.T) {
	inputs := []int{0, 1, 2, 3, 4}
	var completed atomic.Int64
	_, err := fanout.Parallel(context.Background(), inputs, 0, func(_ context.Context, i int) (struct{}, error) {
		completed.Add(1)
		if i == 2 {
			return struct{}{}, fmt.Errorf("task %d failed", i)
		}
		return struct{}{}, nil
	})
	require.Error(t, err)
	assert.EqualValues(t, len(inputs), completed.Load())
}

func TestParallelVoid(t *testing.T) {
	inputs := []int{1, 2, 3}
	var sum atomic.Int64
	err := fanout.ParallelVoid(context.Background(), inputs, 2, func(_ context.Context, i int) error {
		sum.Add(int64(i))
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 6, sum.Load())
}

func TestParallel_WorkerCountBoundedByInputLength(t *testing.T) {
	inputs := []int{1, 2}
	results, err := fanout.Parallel(context.Background(), inputs, 100, func(_ context.Context, i int) (int, error) {
		return i, nil
	})
	require.NoError(t, err)
	assert.Equal(t, inputs, results)
}
