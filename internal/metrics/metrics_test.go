package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.Transition("SUBMIT_DRAFT", "ok")
	r.RailCall("card", "lock", "ok", time.Millisecond)
	r.WatchdogAction("bidding_expired")
	r.Reconciliation("replayed")
}

func TestCounters(t *testing.T) {
	r := Default()
	assert.Same(t, r, Default())

	before := testutil.ToFloat64(r.transitions.WithLabelValues("APPROVE_MILESTONE", "ok"))
	r.Transition("APPROVE_MILESTONE", "ok")
	r.Transition("APPROVE_MILESTONE", "ok")
	assert.Equal(t, before+2, testutil.ToFloat64(r.transitions.WithLabelValues("APPROVE_MILESTONE", "ok")))

	r.RailCall("base_usdc", "release", "rail_unavailable", 20*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.railCalls.WithLabelValues("base_usdc", "release", "rail_unavailable")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.railLatency))
}
