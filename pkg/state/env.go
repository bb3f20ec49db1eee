// Package state is the read side formulas see: point-in-time lookups over the event log and
// transformations, with every read recorded for cache invalidation.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/codes"
	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
)

// Source holds the process-scoped collaborators shared by every evaluation.
type Source struct {
	Store db.Reader
	// Entities resolves code identities. Defaults to Store.
	Entities codes.EntityGetter
	Codes    *codes.Registry
	// Pool runs prefetch fan-out. Prefetch runs inline when nil.
	Pool   pond.Pool
	Logger *zap.Logger
}

// Env reads state as of one block. It is safe for concurrent use; reads are memoized for the
// lifetime of the Env.
type Env struct {
	src     *Source
	block   models.Block
	tracker *Tracker
	memo    *xsync.Map[string, any]
}

// NewEnv returns an Env bound to block with a fresh tracker and read memo.
func (s *Source) NewEnv(block models.Block) *Env {
	return &Env{
		src:     s,
		block:   block,
		tracker: NewTracker(),
		memo:    xsync.NewMap[string, any](),
	}
}

// At returns a new Env over the same source bound to block.
func (e *Env) At(block models.Block) *Env {
	return e.src.NewEnv(block)
}

func (e *Env) Block() models.Block    { return e.block }
func (e *Env) Tracker() *Tracker      { return e.tracker }
func (e *Env) Codes() *codes.Registry { return e.src.Codes }

func (e *Env) logger() *zap.Logger {
	if e.src.Logger == nil {
		return zap.NewNop()
	}
	return e.src.Logger
}

func memoized[T any](e *Env, key string, load func() (T, error)) (T, error) {
	if v, ok := e.memo.Load(key); ok {
		return v.(T), nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	e.memo.Store(key, v)
	return v, nil
}

func eventValue(ev *models.StateEvent) json.RawMessage {
	if len(ev.ValueJSON) > 0 {
		return ev.ValueJSON
	}
	raw, _ := json.Marshal(ev.Value)
	return raw
}

func eventMemoKey(dep string) string  { return "e|" + dep }
func prefixMemoKey(dep string) string { return "p|" + dep }

func (e *Env) latestEvent(ctx context.Context, namespace, entity string, key []byte) (*models.StateEvent, error) {
	dep := models.DependentKeyFor(namespace, entity, keys.Hex(key))
	e.tracker.Add(models.DependentKey{Key: dep})
	ev, err := memoized(e, eventMemoKey(dep), func() (*models.StateEvent, error) {
		return e.src.Store.LatestEvent(ctx, namespace, entity, key, e.block.Height)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", dep, err)
	}
	if ev != nil {
		e.tracker.Observe(ev.Block())
	}
	return ev, nil
}

// Get returns the latest value of the key as of the bound block, or nil when the key was never
// set or was deleted.
func (e *Env) Get(ctx context.Context, namespace, entity string, parts ...any) (json.RawMessage, error) {
	key, err := keys.Encode(parts...)
	if err != nil {
		return nil, err
	}
	ev, err := e.latestEvent(ctx, namespace, entity, key)
	if err != nil || ev == nil || ev.Deleted {
		return nil, err
	}
	return eventValue(ev), nil
}

// GetInto decodes the value of the key into out and reports whether it exists.
func (e *Env) GetInto(ctx context.Context, out any, namespace, entity string, parts ...any) (bool, error) {
	raw, err := e.Get(ctx, namespace, entity, parts...)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s value: %w", namespace, err)
	}
	return true, nil
}

// GetMap returns every live entry under the map prefix, keyed by the decoded remainder of the
// key. It returns nil when no key under the prefix was ever written.
func (e *Env) GetMap(ctx context.Context, namespace, entity string, kind keys.Kind, prefix ...any) (map[string]json.RawMessage, error) {
	p, err := keys.MapPrefix(prefix...)
	if err != nil {
		return nil, err
	}
	rows, err := e.prefixEvents(ctx, namespace, entity, p)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for i := range rows {
		row := &rows[i]
		e.tracker.Observe(row.Block())
		if row.Deleted {
			continue
		}
		k, err := keys.DecodeMapKey(row.Key[len(p):], kind)
		if err != nil {
			return nil, fmt.Errorf("decode map key: %w", err)
		}
		out[k] = eventValue(row)
	}
	return out, nil
}

func (e *Env) prefixEvents(ctx context.Context, namespace, entity string, prefix []byte) ([]models.StateEvent, error) {
	dep := models.DependentKeyFor(namespace, entity, keys.Hex(prefix))
	e.tracker.Add(models.DependentKey{Key: dep, Prefix: true})
	rows, err := memoized(e, prefixMemoKey(dep), func() ([]models.StateEvent, error) {
		return e.src.Store.LatestEventsWithPrefix(ctx, namespace, entity, prefix, e.block.Height)
	})
	if err != nil {
		return nil, fmt.Errorf("get map %s: %w", dep, err)
	}
	return rows, nil
}

// GetDateKeyModified returns the time of the latest write to the key, deletes included.
func (e *Env) GetDateKeyModified(ctx context.Context, namespace, entity string, parts ...any) (time.Time, bool, error) {
	key, err := keys.Encode(parts...)
	if err != nil {
		return time.Time{}, false, err
	}
	ev, err := e.latestEvent(ctx, namespace, entity, key)
	if err != nil || ev == nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ev.BlockTimeUnixMs).UTC(), true, nil
}

// GetDateKeyFirstSet returns the time the key was first given a value.
func (e *Env) GetDateKeyFirstSet(ctx context.Context, namespace, entity string, parts ...any) (time.Time, bool, error) {
	return e.firstSet(ctx, namespace, entity, nil, parts)
}

// GetDateKeyFirstSetWithValueMatch returns the time the key was first given a value containing
// match.
func (e *Env) GetDateKeyFirstSetWithValueMatch(ctx context.Context, namespace, entity string, match json.RawMessage, parts ...any) (time.Time, bool, error) {
	return e.firstSet(ctx, namespace, entity, match, parts)
}

func (e *Env) firstSet(ctx context.Context, namespace, entity string, match json.RawMessage, parts []any) (time.Time, bool, error) {
	key, err := keys.Encode(parts...)
	if err != nil {
		return time.Time{}, false, err
	}
	dep := models.DependentKeyFor(namespace, entity, keys.Hex(key))
	e.tracker.Add(models.DependentKey{Key: dep})
	ev, err := e.src.Store.FirstEvent(ctx, namespace, entity, key, e.block.Height, db.EventFilter{SkipDeleted: true, ValueContains: match})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("first set %s: %w", dep, err)
	}
	if ev == nil {
		return time.Time{}, false, nil
	}
	e.tracker.Observe(ev.Block())
	return time.UnixMilli(ev.BlockTimeUnixMs).UTC(), true, nil
}

func (e *Env) entities() codes.EntityGetter {
	if e.src.Entities != nil {
		return e.src.Entities
	}
	return e.src.Store
}

// GetEntity returns the code identity of address, or nil when it is not a registered entity.
func (e *Env) GetEntity(ctx context.Context, address string) (*models.Entity, error) {
	return memoized(e, "c|"+address, func() (*models.Entity, error) {
		return e.entities().GetEntity(ctx, address)
	})
}

// EntityMatchesCodeKinds reports whether address is an entity of any of the code kinds.
func (e *Env) EntityMatchesCodeKinds(ctx context.Context, address string, kinds ...string) (bool, error) {
	entity, err := e.GetEntity(ctx, address)
	if err != nil || entity == nil || e.src.Codes == nil {
		return false, err
	}
	return e.src.Codes.Matches(entity.CodeID, kinds...), nil
}

// CodeKindOf returns the first code kind registered for the entity's code id, or "" when none.
func (e *Env) CodeKindOf(ctx context.Context, address string) (string, error) {
	entity, err := e.GetEntity(ctx, address)
	if err != nil || entity == nil || e.src.Codes == nil {
		return "", err
	}
	kinds := e.src.Codes.KindsOf(entity.CodeID)
	if len(kinds) == 0 {
		return "", nil
	}
	return kinds[0], nil
}
