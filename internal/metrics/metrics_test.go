package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_Render_InitialZero(t *testing.T) {
	c := New()
	want := "calls_total 0\nerrors_total 0\nactive_calls 0\nreconnects_total 0\n"
	assert.Equal(t, want, c.Render())
}

func TestCounters_Render_AfterIncrements(t *testing.T) {
	c := New()
	c.IncCalls()
	c.IncCalls()
	c.IncErrors()
	c.IncActiveCalls()
	c.IncReconnects()

	want := "calls_total 2\nerrors_total 1\nactive_calls 1\nreconnects_total 1\n"
	assert.Equal(t, want, c.Render())
}

func TestCounters_DecActiveCalls_FloorsAtZero(t *testing.T) {
	c := New()
	c.DecActiveCalls()
	c.DecActiveCalls()

	assert.Equal(t, "calls_total 0\nerrors_total 0\nactive_calls 0\nreconnects_total 0\n", c.Render())
}

func TestCounters_IncDecActiveCalls_NeverNegative(t *testing.T) {
	c := New()
	c.IncActiveCalls()
	c.DecActiveCalls()
	c.DecActiveCalls()
	c.DecActiveCalls()

	assert.Equal(t, "calls_total 0\nerrors_total 0\nactive_calls 0\nreconnects_total 0\n", c.Render())
}
