package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db/models"
)

// Store is what the engine reads: earlier transformation values and entity code identities.
type Store interface {
	LatestTransformation(ctx context.Context, entity, name string, height uint64) (*models.Transformation, error)
	GetEntity(ctx context.Context, address string) (*models.Entity, error)
}

// Engine applies rules to batches of events.
type Engine struct {
	rules  []Rule
	codes  *codes.Registry
	logger *zap.Logger
}

// NewEngine validates rules and returns an engine applying them in order.
func NewEngine(registry *codes.Registry, logger *zap.Logger, rules ...Rule) (*Engine, error) {
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}
	if registry == nil {
		registry = codes.NewRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{rules: rules, codes: registry, logger: logger}, nil
}

func (e *Engine) Rules() []Rule { return e.rules }

type pending struct {
	ev   models.StateEvent
	rule *Rule
	name string
}

type entityKey struct{ entity, name string }

// Transform derives transformations from events, which must be in commit order. Values are
// evaluated one at a time in event order so a rule can build on its previous value, including
// values produced earlier in the same batch. A second transformation for the same
// (entity, name, height) replaces the first. Rules that fail are logged and skipped; only
// store failures are returned.
func (e *Engine) Transform(ctx context.Context, store Store, events []models.StateEvent) ([]models.Transformation, error) {
	if len(events) == 0 || len(e.rules) == 0 {
		return nil, nil
	}

	entities := map[string]*models.Entity{}
	var work []pending
	for _, ev := range events {
		for i := range e.rules {
			rule := &e.rules[i]
			ok, err := e.matches(ctx, store, entities, rule, ev)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			name, ok := rule.NameOf(ev)
			if !ok || name == "" {
				continue
			}
			work = append(work, pending{ev: ev, rule: rule, name: name})
		}
	}

	var (
		out    []models.Transformation
		latest = map[entityKey]int{}
	)
	for _, p := range work {
		key := entityKey{p.ev.EntityID, p.name}
		previous := func(ctx context.Context) (json.RawMessage, error) {
			if i, ok := latest[key]; ok {
				return out[i].Value, nil
			}
			tr, err := store.LatestTransformation(ctx, p.ev.EntityID, p.name, p.ev.BlockHeight-1)
			if err != nil || tr == nil || tr.IsNull() {
				return nil, err
			}
			return tr.Value, nil
		}

		value := json.RawMessage("null")
		if !p.ev.Deleted || p.rule.ManuallyTransformDeletes {
			v, emit, err := p.rule.Value(ctx, p.ev, previous)
			if err != nil {
				e.logger.Warn("transformation failed",
					zap.String("rule", p.rule.Name),
					zap.String("entity", p.ev.EntityID),
					zap.String("name", p.name),
					zap.Uint64("height", p.ev.BlockHeight),
					zap.Error(err),
				)
				continue
			}
			if !emit {
				continue
			}
			if v == nil {
				v = json.RawMessage("null")
			}
			value = v
		}

		tr := models.Transformation{
			EntityID:        p.ev.EntityID,
			Name:            p.name,
			Value:           value,
			BlockHeight:     p.ev.BlockHeight,
			BlockTimeUnixMs: p.ev.BlockTimeUnixMs,
		}
		if i, ok := latest[key]; ok && out[i].BlockHeight == tr.BlockHeight {
			out[i].Value = tr.Value
			continue
		}
		latest[key] = len(out)
		out = append(out, tr)
	}
	return out, nil
}

func (e *Engine) matches(ctx context.Context, store Store, cache map[string]*models.Entity, rule *Rule, ev models.StateEvent) (bool, error) {
	f := rule.Filter
	ns := f.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if ev.Namespace != ns {
		return false, nil
	}
	if len(f.CodeKinds) > 0 && !f.anyCode() {
		entity, ok := cache[ev.EntityID]
		if !ok {
			var err error
			entity, err = store.GetEntity(ctx, ev.EntityID)
			if err != nil {
				return false, fmt.Errorf("load entity %s: %w", ev.EntityID, err)
			}
			cache[ev.EntityID] = entity
		}
		if entity == nil || !e.codes.Matches(entity.CodeID, f.CodeKinds...) {
			return false, nil
		}
	}
	if len(f.Entities) > 0 && !contains(f.Entities, ev.EntityID) {
		return false, nil
	}
	if f.Matches != nil && !f.Matches(ev) {
		return false, nil
	}
	return true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
