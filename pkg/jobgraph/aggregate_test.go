package jobgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"jobtk/pkg/jobgraph"
)

func intPtr(i int) *int { return &i }

func TestAggregateResultAllSuccess(t *testing.T) {
	elems := []*jobgraph.ArrayElement{
		{Index: 1, Status: jobgraph.StatusSuccess, Result: intPtr(0)},
		{Index: 2, Status: jobgraph.StatusSuccess, Result: intPtr(0)},
	}
	status, result, ok := jobgraph.AggregateResult(elems)
	assert.True(t, ok)
	assert.Equal(t, jobgraph.StatusSuccess, status)
	assert.Equal(t, 0, result)
}

func TestAggregateResultLowestIndexNonZeroWins(t *testing.T) {
	elems := []*jobgraph.ArrayElement{
		{Index: 3, Status: jobgraph.StatusFailure, Result: intPtr(9)},
		{Index: 1, Status: jobgraph.StatusSuccess, Result: intPtr(0)},
		{Index: 2, Status: jobgraph.StatusFailure, Result: intPtr(5)},
	}
	status, result, ok := jobgraph.AggregateResult(elems)
	assert.True(t, ok)
	assert.Equal(t, jobgraph.StatusFailure, status)
	assert.Equal(t, 5, result)
}

func TestAggregateResultNotOkWhileAnyElementNonTerminal(t *testing.T) {
	elems := []*jobgraph.ArrayElement{
		{Index: 1, Status: jobgraph.StatusSuccess, Result: intPtr(0)},
		{Index: 2, Status: jobgraph.StatusExecuting},
	}
	_, _, ok := jobgraph.AggregateResult(elems)
	assert.False(t, ok)
}

func TestArraySpecIndicesAndContains(t *testing.T) {
	spec := jobgraph.ArraySpec{Start: 2, Stop: 8, Step: 3}
	assert.Equal(t, []int{2, 5, 8}, spec.Indices())
	assert.True(t, spec.Contains(5))
	assert.False(t, spec.Contains(6))
	assert.False(t, spec.Contains(9))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, jobgraph.StatusSuccess.Terminal())
	assert.True(t, jobgraph.StatusFailure.Terminal())
	assert.False(t, jobgraph.StatusQueued.Terminal())
	assert.False(t, jobgraph.StatusWaiting.Terminal())
}
