package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

func TestWorkItemMustGoThroughReview(t *testing.T) {
	env := newTestEnv(t)
	wi := entity(domain.KindWorkItem, "wi-1", "in_progress", daysAgo(2))
	env.Store.put(wi)

	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindWorkItem, wi, "done", domain.Actor{ID: "alice"}, domain.AllCapabilities())
	require.NoError(t, err)
	assert.False(t, res.Applied)
	require.NotNil(t, res.Denial)
	assert.Equal(t, engine.DenyDisallowed, res.Denial.Code)
	assert.Equal(t, "must go through review first", res.Reason)
	assert.Equal(t, domain.Status("in_progress"), env.Store.get(domain.KindWorkItem, "wi-1").Status)
	assert.Zero(t, env.Store.updates)
	assert.Empty(t, env.Audit.records)
}

func TestRequestTransitionAppliesAndAudits(t *testing.T) {
	env := newTestEnv(t)
	var changes []engine.StatusChange
	env.Engine.Listeners = []engine.Listener{engine.ListenerFunc(func(_ context.Context, c engine.StatusChange) {
		changes = append(changes, c)
	})}
	wi := entity(domain.KindWorkItem, "wi-1", "review", daysAgo(1))
	env.Store.put(wi)

	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindWorkItem, wi, "done",
		domain.Actor{ID: "rev"}, domain.NewCapabilitySet(domain.CapWorkItemReview))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, "review approved", res.Reason)
	assert.Equal(t, domain.Status("review"), res.From)
	assert.Equal(t, domain.Status("done"), res.To)

	stored := env.Store.get(domain.KindWorkItem, "wi-1")
	assert.Equal(t, domain.Status("done"), stored.Status)
	assert.Equal(t, testNow, stored.StatusChangedAt)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, testNow, *stored.CompletedAt)
	assert.Equal(t, stored, res.Entity)

	require.Len(t, env.Audit.records, 1)
	rec := env.Audit.records[0]
	assert.Equal(t, engine.ActionStatusChange, rec.Action)
	assert.Equal(t, "rev", rec.Actor.ID)
	assert.Equal(t, "review -> done", rec.Description)
	require.Len(t, changes, 1)
	assert.Equal(t, "wi-1", changes[0].EntityID)
}

func TestPermissionDenialListsSufficientCapabilities(t *testing.T) {
	env := newTestEnv(t)
	exp := entity(domain.KindExpense, "exp-1", "pending", daysAgo(1))
	env.Store.put(exp)

	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindExpense, exp, "approved",
		domain.Actor{ID: "bob"}, domain.NewCapabilitySet(domain.CapExpenseSubmit))
	require.NoError(t, err)
	require.NotNil(t, res.Denial)
	assert.True(t, res.Denial.IsPermission())
	assert.Equal(t, domain.NewCapabilitySet(domain.CapExpenseApprove, domain.CapAdmin), res.Denial.Sufficient)
	assert.Equal(t, "expense approved", res.Reason)
	assert.Equal(t, "expense approved", res.Denial.Reason)
	assert.Equal(t, "requires one of: expense.approve, admin", res.Denial.Detail)
	assert.Zero(t, env.Store.updates)
}

func TestValidatorAllowsAnyCallerWithoutRequirements(t *testing.T) {
	env := newTestEnv(t)
	v := env.Engine.Validator()
	checked := 0
	for _, kind := range domain.AllKinds() {
		statuses, err := env.Engine.Registry.Statuses(kind)
		require.NoError(t, err)
		for _, s := range statuses {
			rules, err := env.Engine.Registry.TransitionsFrom(kind, s.ID)
			require.NoError(t, err)
			for _, r := range rules {
				if !r.Allowed || !r.Requires.Empty() {
					continue
				}
				d, err := v.Validate(kind, r.From, r.To, 0)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "%s %s -> %s", kind, r.From, r.To)
				assert.Equal(t, r.Reason, d.Reason)
				checked++
			}
		}
	}
	assert.NotZero(t, checked)
}

func TestValidatorCapabilitiesUseOrSemantics(t *testing.T) {
	env := newTestEnv(t)
	v := env.Engine.Validator()
	checked := 0
	for _, kind := range domain.AllKinds() {
		statuses, err := env.Engine.Registry.Statuses(kind)
		require.NoError(t, err)
		for _, s := range statuses {
			rules, err := env.Engine.Registry.TransitionsFrom(kind, s.ID)
			require.NoError(t, err)
			for _, r := range rules {
				if !r.Allowed || r.Requires.Empty() {
					continue
				}
				checked++
				none := domain.AllCapabilities().Intersect(^r.Requires)
				d, err := v.Validate(kind, r.From, r.To, none)
				require.NoError(t, err)
				assert.False(t, d.Allowed)
				require.NotNil(t, d.Denial)
				assert.Equal(t, r.Requires, d.Denial.Sufficient)
				assert.Equal(t, r.Reason, d.Reason)
				assert.Equal(t, r.Reason, d.Denial.Reason)

				for _, c := range r.Requires.Slice() {
					d, err := v.Validate(kind, r.From, r.To, domain.NewCapabilitySet(c))
					require.NoError(t, err)
					assert.True(t, d.Allowed, "%s %s -> %s with %s", kind, r.From, r.To, c)
				}
			}
		}
	}
	assert.NotZero(t, checked)
}

func TestValidatorUnknownPairAndStatus(t *testing.T) {
	env := newTestEnv(t)
	v := env.Engine.Validator()

	d, err := v.Validate(domain.KindWorkItem, "backlog", "done", domain.AllCapabilities())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.DenyNoSuchTransition, d.Denial.Code)
	assert.Equal(t, engine.ReasonNoSuchTransition, d.Reason)

	_, err = v.Validate(domain.KindWorkItem, "backlog", "shipped", 0)
	var ce *registry.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.True(t, engine.IsConfigurationError(err))
}

func TestDwellTimeEnforcedForEveryone(t *testing.T) {
	env := newTestEnv(t)
	it := entity(domain.KindIteration, "it-1", "active", testNow.Add(-20*time.Hour))
	env.Store.put(it)

	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindIteration, it, "closed", domain.SystemActor, 0)
	require.NoError(t, err)
	require.NotNil(t, res.Denial)
	assert.Equal(t, engine.DenyDwell, res.Denial.Code)
	assert.Equal(t, 1, res.Denial.RequiredDays)
	assert.Equal(t, 0, res.Denial.ElapsedDays)
	assert.Equal(t, "iteration closed", res.Reason)
	assert.Equal(t, "iteration closed", res.Denial.Reason)
	assert.Contains(t, res.Denial.Detail, "at least 1 day(s)")

	it.StatusChangedAt = daysAgo(1)
	env.Store.put(it)
	res, err = env.Engine.RequestTransition(env.Ctx, domain.KindIteration, it, "closed",
		domain.Actor{ID: "pm"}, domain.NewCapabilitySet(domain.CapIterationManage))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.Entity.EndedAt)
}

func TestValidatedByAndStartedAtStamps(t *testing.T) {
	env := newTestEnv(t)
	exp := entity(domain.KindExpense, "exp-1", "pending", daysAgo(1))
	env.Store.put(exp)
	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindExpense, exp, "approved",
		domain.Actor{ID: "mgr"}, domain.NewCapabilitySet(domain.CapExpenseApprove))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, "mgr", res.Entity.ValidatedBy)
	require.NotNil(t, res.Entity.ValidatedAt)

	first := daysAgo(10)
	wi := entity(domain.KindWorkItem, "wi-1", "todo", daysAgo(1))
	wi.StartedAt = &first
	env.Store.put(wi)
	res, err = env.Engine.RequestTransition(env.Ctx, domain.KindWorkItem, wi, "in_progress", domain.Actor{ID: "dev"}, 0)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.NotNil(t, res.Entity.StartedAt)
	assert.Equal(t, first, *res.Entity.StartedAt)
}

func TestValidationHookDeniesWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	wi := entity(domain.KindWorkItem, "wi-1", "todo", daysAgo(1))
	env.Store.put(wi)
	hook := func(context.Context, domain.Kind, domain.Entity, domain.Status) error {
		return errors.New("work item has no assignee")
	}
	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindWorkItem, wi, "in_progress", domain.Actor{ID: "dev"}, 0, engine.WithValidation(hook))
	require.NoError(t, err)
	require.NotNil(t, res.Denial)
	assert.Equal(t, engine.DenyValidation, res.Denial.Code)
	assert.Equal(t, "work started", res.Reason)
	assert.Equal(t, "work item has no assignee", res.Denial.Detail)
	assert.Zero(t, env.Store.updates)
}

func TestConcurrentChangeIsConflictNotError(t *testing.T) {
	env := newTestEnv(t)
	wi := entity(domain.KindWorkItem, "wi-1", "todo", daysAgo(1))
	env.Store.put(wi)
	env.Store.setStatus(domain.KindWorkItem, "wi-1", "backlog")

	res, err := env.Engine.RequestTransition(env.Ctx, domain.KindWorkItem, wi, "in_progress", domain.Actor{ID: "dev"}, 0)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.False(t, res.Applied)
	assert.Empty(t, env.Audit.records)
	assert.Equal(t, domain.Status("backlog"), env.Store.get(domain.KindWorkItem, "wi-1").Status)
}

func TestStoreFailurePropagatesOnSyncPath(t *testing.T) {
	env := newTestEnv(t)
	wi := entity(domain.KindWorkItem, "wi-1", "todo", daysAgo(1))
	env.Store.put(wi)
	boom := errors.New("disk full")
	env.Store.fail["wi-1"] = boom

	_, err := env.Engine.RequestTransition(env.Ctx, domain.KindWorkItem, wi, "in_progress", domain.Actor{ID: "dev"}, 0)
	require.ErrorIs(t, err, boom)
}

func TestAutoTransitionFiringBoundary(t *testing.T) {
	cfg := withKind(t, domain.KindWorkItem, func(kc *config.KindConfig) {
		kc.Auto = []config.AutoConfig{{
			From: "in_progress", To: "review", BaseDays: 3, Condition: condition.Always,
			Factors: []config.FactorConfig{{Type: config.FactorPriority, Adjust: map[string]int{"urgent": -2}}},
		}}
	})
	env := newTestEnvWith(t, cfg, nil)

	oneDay := entity(domain.KindWorkItem, "wi-1", "in_progress", daysAgo(1))
	oneDay.Priority = domain.PriorityUrgent
	sameDay := entity(domain.KindWorkItem, "wi-2", "in_progress", testNow)
	sameDay.Priority = domain.PriorityUrgent
	normal := entity(domain.KindWorkItem, "wi-3", "in_progress", daysAgo(1))
	for _, e := range []domain.Entity{oneDay, sameDay, normal} {
		env.Store.put(e)
	}

	res, err := env.Engine.Scanner().RunPass(env.Ctx, domain.KindWorkItem)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	require.Len(t, res.Transitioned, 1)
	assert.Equal(t, "wi-1", res.Transitioned[0].EntityID)
	assert.Equal(t, domain.Status("review"), env.Store.get(domain.KindWorkItem, "wi-1").Status)
	assert.Equal(t, domain.Status("in_progress"), env.Store.get(domain.KindWorkItem, "wi-2").Status)
	assert.Equal(t, domain.Status("in_progress"), env.Store.get(domain.KindWorkItem, "wi-3").Status)
}

func TestEffectiveThreshold(t *testing.T) {
	env := newTestEnv(t)
	workRule, ok, err := env.Engine.Registry.AutoTransitionFor(domain.KindWorkItem, "in_progress")
	require.NoError(t, err)
	require.True(t, ok)
	expenseRule, ok, err := env.Engine.Registry.AutoTransitionFor(domain.KindExpense, "approved")
	require.NoError(t, err)
	require.True(t, ok)

	cases := []struct {
		name      string
		rule      registry.AutoRule
		entity    domain.Entity
		days      int
		immediate bool
	}{
		{"base", workRule, domain.Entity{ChecklistRatio: 0.5}, 5, false},
		{"urgent", workRule, domain.Entity{Priority: domain.PriorityUrgent}, 3, false},
		{"low", workRule, domain.Entity{Priority: domain.PriorityLow}, 7, false},
		{"completion override", workRule, domain.Entity{Priority: domain.PriorityLow, ChecklistRatio: 1}, 0, true},
		{"small expense", expenseRule, domain.Entity{Amount: 200}, 3, false},
		{"tier one", expenseRule, domain.Entity{Amount: 1000}, 4, false},
		{"highest tier wins", expenseRule, domain.Entity{Amount: 7500}, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			days, immediate := engine.EffectiveThreshold(tc.rule, tc.entity)
			assert.Equal(t, tc.days, days)
			assert.Equal(t, tc.immediate, immediate)
		})
	}
}

func TestExpenseAutoPaidAfterThreeDays(t *testing.T) {
	env := newTestEnv(t)
	for i, age := range []int{2, 3} {
		exp := entity(domain.KindExpense, fmt.Sprintf("exp-%d", i), "approved", daysAgo(age))
		validated := daysAgo(age)
		exp.ValidatedAt = &validated
		env.Store.put(exp)
	}

	summary, err := env.Engine.RunScheduledPass(env.Ctx, []domain.Kind{domain.KindExpense})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTransitioned)
	paid := env.Store.get(domain.KindExpense, "exp-1")
	assert.Equal(t, domain.Status("paid"), paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, domain.Status("approved"), env.Store.get(domain.KindExpense, "exp-0").Status)
	assert.Equal(t, 1, env.Audit.count(engine.ActionStatusChange))
	assert.Equal(t, domain.SystemActor, env.Audit.records[0].Actor)
}

func TestExpenseEscalationProcessesPaymentWithoutAutoRule(t *testing.T) {
	cfg := withKind(t, domain.KindExpense, func(kc *config.KindConfig) { kc.Auto = nil })
	env := newTestEnvWith(t, cfg, nil)
	exp := entity(domain.KindExpense, "exp-1", "approved", daysAgo(7))
	early := entity(domain.KindExpense, "exp-2", "approved", daysAgo(6))
	env.Store.put(exp)
	env.Store.put(early)

	summary, err := env.Engine.RunScheduledPass(env.Ctx, []domain.Kind{domain.KindExpense})
	require.NoError(t, err)
	require.Len(t, summary.PerKind, 1)
	ks := summary.PerKind[0]
	require.Len(t, ks.Escalations, 1)
	assert.Equal(t, registry.ActionProcessPayment, ks.Escalations[0].Action)
	assert.True(t, ks.Escalations[0].Applied)
	assert.Equal(t, 1, summary.TotalTransitioned)
	assert.Equal(t, domain.Status("paid"), env.Store.get(domain.KindExpense, "exp-1").Status)
	assert.Equal(t, domain.Status("approved"), env.Store.get(domain.KindExpense, "exp-2").Status)

	again, err := env.Engine.RunScheduledPass(env.Ctx, []domain.Kind{domain.KindExpense})
	require.NoError(t, err)
	assert.Zero(t, again.TotalTransitioned)
	assert.Empty(t, again.PerKind[0].Escalations)
}

func TestAutoAndEscalationNeverBothFire(t *testing.T) {
	env := newTestEnv(t)
	exp := entity(domain.KindExpense, "exp-1", "approved", daysAgo(9))
	validated := daysAgo(9)
	exp.ValidatedAt = &validated
	env.Store.put(exp)

	summary, err := env.Engine.RunScheduledPass(env.Ctx, []domain.Kind{domain.KindExpense})
	require.NoError(t, err)
	ks := summary.PerKind[0]
	assert.Len(t, ks.Transitioned, 1)
	assert.Empty(t, ks.Escalations)
	assert.Equal(t, 1, env.Store.updates)
}

func TestScheduledPassIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	due := daysAgo(1)
	seed := []domain.Entity{
		entity(domain.KindWorkItem, "wi-1", "backlog", daysAgo(3)),
		entity(domain.KindWorkItem, "wi-2", "in_progress", daysAgo(6)),
		entity(domain.KindTimeEntry, "te-1", "submitted", daysAgo(8)),
		entity(domain.KindIteration, "it-1", "planned", daysAgo(2)),
		entity(domain.KindInitiative, "in-1", "approved", daysAgo(2)),
		entity(domain.KindDeliverable, "dl-1", "validated", daysAgo(4)),
	}
	seed[0].DueDate = &due
	seed[1].ChecklistRatio = 0.9
	seed[3].PeriodStart, seed[3].PeriodEnd = &due, &due
	seed[4].PeriodStart = &due
	validated := daysAgo(4)
	seed[5].ValidatedAt = &validated
	for _, e := range seed {
		env.Store.put(e)
	}

	first, err := env.Engine.RunScheduledPass(env.Ctx, nil)
	require.NoError(t, err)
	assert.Len(t, first.PerKind, domain.KindCount)
	assert.Equal(t, len(seed), first.TotalTransitioned)

	second, err := env.Engine.RunScheduledPass(env.Ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, second.TotalTransitioned)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTerminalStatusesNeverFire(t *testing.T) {
	env := newTestEnv(t)
	old := daysAgo(400)
	for _, kind := range domain.AllKinds() {
		statuses, err := env.Engine.Registry.Statuses(kind)
		require.NoError(t, err)
		for _, s := range statuses {
			terminal, err := env.Engine.Registry.IsTerminal(kind, s.ID)
			require.NoError(t, err)
			if !terminal {
				continue
			}
			_, hasAuto, err := env.Engine.Registry.AutoTransitionFor(kind, s.ID)
			require.NoError(t, err)
			_, hasEsc, err := env.Engine.Registry.EscalationFor(kind, s.ID)
			require.NoError(t, err)
			assert.False(t, hasAuto, "%s/%s", kind, s.ID)
			assert.False(t, hasEsc, "%s/%s", kind, s.ID)

			e := entity(kind, kind.String()+"-"+string(s.ID), s.ID, old)
			e.ValidatedAt, e.DueDate, e.PeriodStart, e.PeriodEnd = &old, &old, &old, &old
			e.ChecklistRatio = 1
			env.Store.put(e)
		}
	}
	summary, err := env.Engine.RunScheduledPass(env.Ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalTransitioned)
	for _, ks := range summary.PerKind {
		assert.Empty(t, ks.Escalations)
	}
	assert.Empty(t, env.Notify.sent)
}

func TestEscalationNotifiesManager(t *testing.T) {
	env := newTestEnv(t)
	wi := entity(domain.KindWorkItem, "wi-1", "review", daysAgo(5))
	wi.AssigneeID, wi.ManagerID = "dev", "boss"
	env.Store.put(wi)
	stalled := entity(domain.KindWorkItem, "wi-2", "in_progress", daysAgo(14))
	stalled.AssigneeID = "dev"
	env.Store.put(stalled)

	res, err := env.Engine.Evaluator().EvaluatePass(env.Ctx, domain.KindWorkItem)
	require.NoError(t, err)
	require.Len(t, res.Escalations, 2)
	require.Len(t, env.Notify.sent, 2)

	byEntity := map[string]engine.NotificationRequest{}
	for _, n := range env.Notify.sent {
		byEntity[n.EntityID] = n
	}
	assert.Equal(t, "boss", byEntity["wi-1"].RecipientID)
	assert.Equal(t, domain.NotifyHigh, byEntity["wi-1"].Priority)
	assert.Equal(t, "dev", byEntity["wi-2"].RecipientID)
	assert.Equal(t, domain.NotifyNormal, byEntity["wi-2"].Priority)
	assert.Equal(t, 2, env.Audit.count(engine.ActionEscalation))
	assert.Equal(t, domain.Status("review"), env.Store.get(domain.KindWorkItem, "wi-1").Status)
}

func TestEscalationDedupKeyFollowsStatusStay(t *testing.T) {
	env := newTestEnv(t)
	stalled := entity(domain.KindWorkItem, "wi-2", "in_progress", daysAgo(14))
	env.Store.put(stalled)

	for i := 0; i < 2; i++ {
		_, err := env.Engine.Evaluator().EvaluatePass(env.Ctx, domain.KindWorkItem)
		require.NoError(t, err)
	}
	require.Len(t, env.Notify.sent, 2)
	assert.NotEmpty(t, env.Notify.sent[0].DedupKey)
	assert.Equal(t, env.Notify.sent[0].DedupKey, env.Notify.sent[1].DedupKey)

	stalled.StatusChangedAt = daysAgo(15)
	env.Store.put(stalled)
	_, err := env.Engine.Evaluator().EvaluatePass(env.Ctx, domain.KindWorkItem)
	require.NoError(t, err)
	require.Len(t, env.Notify.sent, 3)
	assert.NotEqual(t, env.Notify.sent[0].DedupKey, env.Notify.sent[2].DedupKey)
}

func TestEvaluateBelowTimeout(t *testing.T) {
	env := newTestEnv(t)
	act, err := env.Engine.Evaluator().Evaluate(domain.KindWorkItem, entity(domain.KindWorkItem, "wi-1", "review", daysAgo(4)))
	require.NoError(t, err)
	assert.Nil(t, act)

	act, err = env.Engine.Evaluator().Evaluate(domain.KindWorkItem, entity(domain.KindWorkItem, "wi-1", "review", daysAgo(6)))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, registry.ActionNotifyManager, act.Action)
	assert.Equal(t, 6, act.DaysSince)
}

func TestConditionFaultDoesNotAbortPass(t *testing.T) {
	cfg := withKind(t, domain.KindWorkItem, func(kc *config.KindConfig) {
		kc.Auto = []config.AutoConfig{{From: "todo", To: "in_progress", BaseDays: 0, Condition: "flaky"}}
	})
	env := newTestEnvWith(t, cfg, map[string]condition.Predicate{
		"flaky": func(in condition.Input) (bool, error) {
			if in.Entity.ID == "wi-bad" {
				panic("nil checklist")
			}
			return true, nil
		},
	})
	env.Store.put(entity(domain.KindWorkItem, "wi-bad", "todo", daysAgo(1)))
	env.Store.put(entity(domain.KindWorkItem, "wi-good", "todo", daysAgo(1)))

	res, err := env.Engine.Scanner().RunPass(env.Ctx, domain.KindWorkItem)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Transitioned, 1)
	assert.Equal(t, "wi-good", res.Transitioned[0].EntityID)
	assert.Empty(t, res.Errors)
}

func TestStoreFailureIsolatedInPass(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"te-1", "te-2", "te-3"} {
		env.Store.put(entity(domain.KindTimeEntry, id, "submitted", daysAgo(7)))
	}
	env.Store.fail["te-2"] = errors.New("locked")

	summary, err := env.Engine.RunScheduledPass(env.Ctx, []domain.Kind{domain.KindTimeEntry})
	require.NoError(t, err)
	ks := summary.PerKind[0]
	assert.Len(t, ks.Transitioned, 2)
	require.Len(t, ks.Errors, 1)
	assert.Equal(t, "te-2", ks.Errors[0].EntityID)
	assert.Equal(t, 1, summary.ErrorCount())
}

func TestCancelledPassReturnsPartialSummary(t *testing.T) {
	env := newTestEnv(t)
	env.Store.put(entity(domain.KindTimeEntry, "te-1", "submitted", daysAgo(7)))
	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()

	summary, err := env.Engine.RunScheduledPass(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, summary.Aborted)
	require.Len(t, summary.PerKind, domain.KindCount)
	for _, ks := range summary.PerKind {
		assert.True(t, ks.Skipped)
	}
	assert.Equal(t, domain.Status("submitted"), env.Store.get(domain.KindTimeEntry, "te-1").Status)
}

func TestDescribeMatchesAvailableTransitions(t *testing.T) {
	env := newTestEnv(t)
	capSets := []domain.CapabilitySet{
		0,
		domain.AllCapabilities(),
		domain.NewCapabilitySet(domain.CapWorkItemReview),
		domain.NewCapabilitySet(domain.CapExpenseApprove, domain.CapIterationManage),
		domain.NewCapabilitySet(domain.CapAdmin),
	}
	for _, kind := range domain.AllKinds() {
		statuses, err := env.Engine.Registry.Statuses(kind)
		require.NoError(t, err)
		for _, s := range statuses {
			e := entity(kind, "e-1", s.ID, daysAgo(3))
			for _, caps := range capSets {
				info, err := env.Engine.DescribeStatus(kind, e, caps)
				require.NoError(t, err)
				avail, err := env.Engine.AvailableTransitions(kind, e, caps)
				require.NoError(t, err)
				assert.ElementsMatch(t, avail, info.Available, "%s/%s %s", kind, s.ID, caps)
				assert.Equal(t, s.ID, info.Current.ID)
			}
		}
	}
}

func TestDescribeProjectsRemainingDays(t *testing.T) {
	env := newTestEnv(t)
	wi := entity(domain.KindWorkItem, "wi-1", "in_progress", daysAgo(2))
	wi.ChecklistRatio = 0.85
	wi.Priority = domain.PriorityHigh

	info, err := env.Engine.DescribeStatus(domain.KindWorkItem, wi, 0)
	require.NoError(t, err)
	assert.Equal(t, "In progress", info.Current.Label)
	assert.False(t, info.Current.Terminal)
	require.NotNil(t, info.AutoTransition)
	assert.Equal(t, domain.Status("review"), info.AutoTransition.Target)
	assert.Equal(t, 4, info.AutoTransition.ThresholdDays)
	assert.Equal(t, 2, info.AutoTransition.RemainingDays)
	assert.True(t, info.AutoTransition.ConditionMet)
	assert.Nil(t, info.Escalation)

	wi.StatusChangedAt = daysAgo(20)
	info, err = env.Engine.DescribeStatus(domain.KindWorkItem, wi, 0)
	require.NoError(t, err)
	assert.Zero(t, info.AutoTransition.RemainingDays)
	require.NotNil(t, info.Escalation)
	assert.Equal(t, registry.ActionNotify, info.Escalation.Action)
}
