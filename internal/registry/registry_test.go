package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

func build(t *testing.T, cfg *config.Config) (*registry.Registry, error) {
	t.Helper()
	conds, err := condition.NewSet(cfg.Conditions)
	require.NoError(t, err)
	return registry.Build(cfg, conds)
}

func editKind(cfg *config.Config, kind domain.Kind, edit func(*config.KindConfig)) *config.Config {
	kc := cfg.Kinds[kind.String()]
	edit(&kc)
	cfg.Kinds[kind.String()] = kc
	return cfg
}

func TestDefaultRegistryBuilds(t *testing.T) {
	reg, err := build(t, config.Default())
	require.NoError(t, err)
	assert.Equal(t, domain.AllKinds(), reg.Kinds())

	initial, err := reg.Initial(domain.KindWorkItem)
	require.NoError(t, err)
	assert.Equal(t, domain.Status("backlog"), initial)

	rule, ok, err := reg.Transition(domain.KindWorkItem, "in_progress", "done")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rule.Allowed)
	assert.Equal(t, "must go through review first", rule.Reason)

	for _, terminal := range []struct {
		kind   domain.Kind
		status domain.Status
	}{{domain.KindWorkItem, "done"}, {domain.KindExpense, "paid"}, {domain.KindInitiative, "cancelled"}} {
		isTerminal, err := reg.IsTerminal(terminal.kind, terminal.status)
		require.NoError(t, err)
		assert.True(t, isTerminal, "%s/%s", terminal.kind, terminal.status)
	}
}

func TestNoDanglingTransitionTargets(t *testing.T) {
	reg, err := build(t, config.Default())
	require.NoError(t, err)
	for _, kind := range reg.Kinds() {
		statuses, err := reg.Statuses(kind)
		require.NoError(t, err)
		for _, s := range statuses {
			rules, err := reg.TransitionsFrom(kind, s.ID)
			require.NoError(t, err)
			for _, r := range rules {
				assert.True(t, reg.HasStatus(kind, r.To), "%s %s -> %s", kind, r.From, r.To)
			}
		}
	}
}

func TestUnknownLookupsAreConfigurationErrors(t *testing.T) {
	reg, err := build(t, config.Default())
	require.NoError(t, err)

	var ce *registry.ConfigurationError
	_, err = reg.Statuses(domain.Kind(200))
	require.ErrorAs(t, err, &ce)
	_, err = reg.TransitionsFrom(domain.KindExpense, "lost")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "expense", ce.Kind)
	assert.Equal(t, "lost", ce.Status)
	_, _, err = reg.AutoTransitionFor(domain.KindExpense, "lost")
	require.ErrorAs(t, err, &ce)
	_, _, err = reg.EscalationFor(domain.KindIteration, "lost")
	require.ErrorAs(t, err, &ce)
}

func TestBuildRejectsInconsistentConfig(t *testing.T) {
	cases := []struct {
		name string
		edit func(*config.Config)
		want string
	}{
		{"dangling target", func(c *config.Config) {
			editKind(c, domain.KindWorkItem, func(kc *config.KindConfig) {
				kc.Transitions = append(kc.Transitions, config.TransitionConfig{From: "done", To: "archived"})
			})
		}, "transition target is not declared"},
		{"auto on terminal", func(c *config.Config) {
			editKind(c, domain.KindExpense, func(kc *config.KindConfig) {
				kc.Auto = append(kc.Auto, config.AutoConfig{From: "paid", To: "pending", Condition: "always"})
			})
		}, "auto rule on terminal status"},
		{"escalation on terminal", func(c *config.Config) {
			editKind(c, domain.KindWorkItem, func(kc *config.KindConfig) {
				kc.Escalations = append(kc.Escalations, config.EscalationConfig{Status: "done", TimeoutDays: 1, Action: "notify"})
			})
		}, "escalation on terminal status"},
		{"auto without transition", func(c *config.Config) {
			editKind(c, domain.KindWorkItem, func(kc *config.KindConfig) {
				kc.Auto = append(kc.Auto, config.AutoConfig{From: "todo", To: "done", Condition: "always"})
			})
		}, "is not an allowed transition"},
		{"two auto rules", func(c *config.Config) {
			editKind(c, domain.KindWorkItem, func(kc *config.KindConfig) {
				kc.Auto = append(kc.Auto, config.AutoConfig{From: "backlog", To: "todo", Condition: "always"})
			})
		}, "more than one auto rule"},
		{"unknown condition", func(c *config.Config) {
			editKind(c, domain.KindTimeEntry, func(kc *config.KindConfig) {
				kc.Auto[0].Condition = "moonIsFull"
			})
		}, "unknown condition"},
		{"unknown capability", func(c *config.Config) {
			editKind(c, domain.KindExpense, func(kc *config.KindConfig) {
				kc.Transitions[0].Requires = []string{"expense.sign"}
			})
		}, "unknown capability"},
		{"missing kind", func(c *config.Config) {
			delete(c.Kinds, "deliverable")
		}, "kind is not configured"},
		{"unknown kind", func(c *config.Config) {
			c.Kinds["invoice"] = c.Kinds["expense"]
		}, "unknown kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.edit(cfg)
			_, err := build(t, cfg)
			var ce *registry.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestAmountTiersSortedAscending(t *testing.T) {
	cfg := editKind(config.Default(), domain.KindExpense, func(kc *config.KindConfig) {
		kc.Auto[0].Factors = []config.FactorConfig{{Type: "amount", Tiers: []config.AmountTier{{Min: 5000, Delta: 2}, {Min: 1000, Delta: 1}}}}
	})
	reg, err := build(t, cfg)
	require.NoError(t, err)
	rule, ok, err := reg.AutoTransitionFor(domain.KindExpense, "approved")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rule.Factors, 1)
	assert.Equal(t, []registry.AmountTier{{Min: 1000, Delta: 1}, {Min: 5000, Delta: 2}}, rule.Factors[0].Tiers)
}

func TestEscalationDefaults(t *testing.T) {
	reg, err := build(t, config.Default())
	require.NoError(t, err)
	rule, ok, err := reg.EscalationFor(domain.KindExpense, "approved")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.ActionProcessPayment, rule.Action)
	assert.Equal(t, domain.Status("paid"), rule.Target)
	assert.Equal(t, condition.Always, rule.Condition)

	statuses, err := reg.EscalationStatuses(domain.KindExpense)
	require.NoError(t, err)
	assert.Equal(t, []domain.Status{"pending", "approved"}, statuses)
}
