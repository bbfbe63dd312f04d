package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"statusflow/internal/domain"
	"statusflow/internal/engine/condition"
	"statusflow/internal/registry"
)

// Engine is the contract consumed by the request layer and the scheduler.
// It holds no entity state; every mutation goes through one Executor.
type Engine struct {
	Registry   *registry.Registry
	Conditions *condition.Set
	Store      Store
	Audit      Auditor
	Notify     Notifier
	Listeners  []Listener
	Observer   Observer
	Logger     *slog.Logger
	Now        func() time.Time
	// Concurrency bounds the per-kind fan-out of RunScheduledPass. Zero
	// means one goroutine per kind.
	Concurrency int
}

func New(reg *registry.Registry, conds *condition.Set, store Store, audit Auditor, notify Notifier) Engine {
	return Engine{
		Registry:   reg,
		Conditions: conds,
		Store:      store,
		Audit:      audit,
		Notify:     notify,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) Validator() Validator {
	return Validator{Registry: e.Registry}
}

func (e Engine) Executor() Executor {
	return Executor{
		Registry:  e.Registry,
		Store:     e.Store,
		Audit:     e.Audit,
		Listeners: e.Listeners,
		Observer:  e.Observer,
		Logger:    e.Logger,
		Now:       e.Now,
	}
}

func (e Engine) Scanner() Scanner {
	return Scanner{
		Registry:   e.Registry,
		Conditions: e.Conditions,
		Store:      e.Store,
		Executor:   e.Executor(),
		Observer:   e.Observer,
		Logger:     e.Logger,
		Now:        e.Now,
	}
}

func (e Engine) Evaluator() Evaluator {
	return Evaluator{
		Registry:   e.Registry,
		Conditions: e.Conditions,
		Store:      e.Store,
		Executor:   e.Executor(),
		Notify:     e.Notify,
		Audit:      e.Audit,
		Observer:   e.Observer,
		Logger:     e.Logger,
		Now:        e.Now,
	}
}

func (e Engine) Formatter() Formatter {
	return Formatter{
		Registry:  e.Registry,
		Validator: e.Validator(),
		Scanner:   e.Scanner(),
		Evaluator: e.Evaluator(),
	}
}

// RequestTransition is the synchronous, user-triggered path.
func (e Engine) RequestTransition(ctx context.Context, kind domain.Kind, entity domain.Entity, to domain.Status, actor domain.Actor, caps domain.CapabilitySet, opts ...ApplyOption) (Result, error) {
	return e.Executor().Apply(ctx, kind, entity, to, actor, caps, opts...)
}

func (e Engine) AvailableTransitions(kind domain.Kind, entity domain.Entity, caps domain.CapabilitySet) ([]domain.Status, error) {
	return e.Validator().Available(kind, entity.Status, caps)
}

func (e Engine) DescribeStatus(kind domain.Kind, entity domain.Entity, caps domain.CapabilitySet) (StatusInfo, error) {
	return e.Formatter().Describe(kind, entity, caps)
}

// KindSummary is the outcome of one kind within a scheduled pass.
type KindSummary struct {
	Kind         domain.Kind        `json:"kind"`
	Processed    int                `json:"processed"`
	Transitioned []TransitionRecord `json:"transitioned"`
	Escalations  []EscalationRecord `json:"escalations"`
	Conflicts    int                `json:"conflicts"`
	Errors       []ItemError        `json:"errors"`
	// Err is set when the kind could not be scanned at all.
	Err     string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

type PassSummary struct {
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	PerKind           []KindSummary `json:"per_kind"`
	TotalTransitioned int           `json:"total_transitioned"`
	Aborted           bool          `json:"aborted,omitempty"`
}

// ErrorCount is the number of per-item and per-kind errors in the pass.
func (s PassSummary) ErrorCount() int {
	n := 0
	for _, k := range s.PerKind {
		n += len(k.Errors)
		if k.Err != "" {
			n++
		}
	}
	return n
}

// RunScheduledPass scans and evaluates the given kinds (all kinds when
// empty). Kinds run concurrently; within a kind the scanner runs before the
// escalation evaluator so an entity that just auto-transitioned is not
// escalated in the same pass.
//
// Cancelling ctx stops kinds that have not started and returns the partial
// summary with ctx's error. Applied transitions are never rolled back. A
// configuration error in any kind is returned after all kinds finish.
func (e Engine) RunScheduledPass(ctx context.Context, kinds []domain.Kind) (PassSummary, error) {
	if len(kinds) == 0 {
		kinds = domain.AllKinds()
	}
	summary := PassSummary{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		PerKind:   make([]KindSummary, len(kinds)),
	}
	log := e.logger().With("pass_id", summary.ID)
	obs := observerOr(e.Observer)
	scanner, evaluator := e.Scanner(), e.Evaluator()
	configErrs := make([]error, len(kinds))

	var g errgroup.Group
	if e.Concurrency > 0 {
		g.SetLimit(e.Concurrency)
	}
	for i, kind := range kinds {
		if ctx.Err() != nil {
			summary.PerKind[i] = KindSummary{Kind: kind, Skipped: true}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				summary.PerKind[i] = KindSummary{Kind: kind, Skipped: true}
				return nil
			}
			started := time.Now()
			ks := KindSummary{Kind: kind, Transitioned: []TransitionRecord{}, Escalations: []EscalationRecord{}, Errors: []ItemError{}}
			scan, err := scanner.RunPass(ctx, kind)
			if err != nil {
				ks.Err = err.Error()
				if IsConfigurationError(err) {
					configErrs[i] = err
				}
				log.Error("auto transition scan failed", "kind", kind.String(), "err", err)
				summary.PerKind[i] = ks
				return nil
			}
			ks.Processed += scan.Processed
			ks.Transitioned = append(ks.Transitioned, scan.Transitioned...)
			ks.Conflicts += scan.Conflicts
			ks.Errors = append(ks.Errors, scan.Errors...)

			esc, err := evaluator.EvaluatePass(ctx, kind)
			if err != nil {
				ks.Err = err.Error()
				if IsConfigurationError(err) {
					configErrs[i] = err
				}
				log.Error("escalation pass failed", "kind", kind.String(), "err", err)
			} else {
				ks.Processed += esc.Processed
				ks.Transitioned = append(ks.Transitioned, esc.Transitioned...)
				ks.Escalations = append(ks.Escalations, esc.Escalations...)
				ks.Conflicts += esc.Conflicts
				ks.Errors = append(ks.Errors, esc.Errors...)
			}
			obs.PassCompleted(kind, time.Since(started))
			summary.PerKind[i] = ks
			return nil
		})
	}
	_ = g.Wait()

	for _, ks := range summary.PerKind {
		summary.TotalTransitioned += len(ks.Transitioned)
	}
	log.Info("scheduled pass finished",
		"kinds", len(kinds),
		"transitioned", summary.TotalTransitioned,
		"errors", summary.ErrorCount())

	if err := ctx.Err(); err != nil {
		summary.Aborted = true
		return summary, err
	}
	for _, err := range configErrs {
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}
