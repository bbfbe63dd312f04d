package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/registry"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Transitioned(domain.KindExpense, "approved", "paid", true)
	r.Transitioned(domain.KindExpense, "approved", "paid", true)
	r.Transitioned(domain.KindWorkItem, "review", "done", false)
	r.Denied(domain.KindWorkItem, engine.DenyPermission)
	r.Conflict(domain.KindIteration)
	r.Escalated(domain.KindInitiative, registry.ActionReassign)
	r.ConditionFault(domain.KindWorkItem, "checklistAbove80")
	r.PassCompleted(domain.KindExpense, 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("expense", "approved", "paid", "system")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("work_item", "review", "done", "request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.denials.WithLabelValues("work_item", "permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflicts.WithLabelValues("iteration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.escalations.WithLabelValues("initiative", "reassign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conditionFaults.WithLabelValues("work_item", "checklistAbove80")))
}

func TestRecordersDoNotShareRegistry(t *testing.T) {
	a, b := New(), New()
	a.Conflict(domain.KindExpense)

	expected := `
# HELP statusflow_transition_conflicts_total Transitions lost to a concurrent status change.
# TYPE statusflow_transition_conflicts_total counter
statusflow_transition_conflicts_total{kind="expense"} 1
`
	require.NoError(t, testutil.GatherAndCompare(a.Registry, strings.NewReader(expected), "statusflow_transition_conflicts_total"))
	n, err := testutil.GatherAndCount(b.Registry, "statusflow_transition_conflicts_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}
