package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canopy-network/statex/pkg/db"
	"github.com/canopy-network/statex/pkg/db/models"
)

// MatchQuery selects transformations by name pattern.
type MatchQuery struct {
	// Entity restricts matches to one entity. Empty matches every entity.
	Entity string
	// NamePattern may contain "*" wildcards.
	NamePattern string
	// ValueContains keeps values containing this JSON document.
	ValueContains json.RawMessage
	// CodeKinds keeps matches whose entity has one of these code kinds. Kinds that resolve
	// to no code id match nothing.
	CodeKinds []string
	Limit     int
}

// TransformationMatch is one live transformation returned by GetTransformationMatches.
type TransformationMatch struct {
	EntityID string          `json:"entityId"`
	CodeID   uint64          `json:"codeId"`
	Name     string          `json:"name"`
	Value    json.RawMessage `json:"value"`
	Block    models.Block    `json:"block"`
}

func transformationMemoKey(dep string) string       { return "t|" + dep }
func transformationPrefixMemoKey(dep string) string { return "tp|" + dep }

func (e *Env) latestTransformation(ctx context.Context, entity, name string) (*models.Transformation, error) {
	dep := models.DependentKeyFor(models.TransformationNamespace, entity, name)
	e.tracker.Add(models.DependentKey{Key: dep})
	tr, err := memoized(e, transformationMemoKey(dep), func() (*models.Transformation, error) {
		return e.src.Store.LatestTransformation(ctx, entity, name, e.block.Height)
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", dep, err)
	}
	if tr != nil {
		e.tracker.Observe(tr.Block())
	}
	return tr, nil
}

// GetTransformation returns the latest value of one named transformation of entity, or nil
// when it does not exist or was removed.
func (e *Env) GetTransformation(ctx context.Context, entity, name string) (json.RawMessage, error) {
	tr, err := e.latestTransformation(ctx, entity, name)
	if err != nil || tr == nil || tr.IsNull() {
		return nil, err
	}
	return tr.Value, nil
}

// GetTransformationMatches returns the live transformations selected by q. The latest row of
// each (entity, name) is chosen before value filtering.
func (e *Env) GetTransformationMatches(ctx context.Context, q MatchQuery) ([]TransformationMatch, error) {
	dep := models.DependentKeyFor(models.TransformationNamespace, q.Entity, q.NamePattern)
	e.tracker.Add(models.DependentKey{Key: dep})

	var codeIDs []uint64
	if len(q.CodeKinds) > 0 {
		if e.src.Codes != nil {
			codeIDs = e.src.Codes.CodeIDs(q.CodeKinds...)
		}
		if len(codeIDs) == 0 {
			return nil, nil
		}
	}

	memoKey := "tm|" + dep + "|" + joinIDs(codeIDs)
	rows, err := memoized(e, memoKey, func() ([]models.Transformation, error) {
		return e.src.Store.MatchTransformations(ctx, db.TransformationQuery{
			Entity:      q.Entity,
			NamePattern: q.NamePattern,
			CodeIDs:     codeIDs,
		}, e.block.Height)
	})
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", dep, err)
	}

	var out []TransformationMatch
	for _, tr := range rows {
		e.tracker.Observe(tr.Block())
		if tr.IsNull() || !models.JSONContains(tr.Value, q.ValueContains) {
			continue
		}
		if q.Limit > 0 && len(out) >= q.Limit {
			continue
		}
		m := TransformationMatch{EntityID: tr.EntityID, Name: tr.Name, Value: tr.Value, Block: tr.Block()}
		entity, err := e.GetEntity(ctx, tr.EntityID)
		if err != nil {
			return nil, err
		}
		if entity != nil {
			m.CodeID = entity.CodeID
		}
		out = append(out, m)
	}
	return out, nil
}

func joinIDs(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

// GetTransformationMatch returns the first match of q, or nil.
func (e *Env) GetTransformationMatch(ctx context.Context, q MatchQuery) (*TransformationMatch, error) {
	q.Limit = 1
	matches, err := e.GetTransformationMatches(ctx, q)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// GetTransformationMap returns the live transformations named "mapName:<key>" of entity keyed
// by <key>. It returns nil when no such transformation was ever written.
func (e *Env) GetTransformationMap(ctx context.Context, entity, mapName string) (map[string]json.RawMessage, error) {
	prefix := mapName + ":"
	rows, err := e.prefixTransformations(ctx, entity, prefix)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, tr := range rows {
		e.tracker.Observe(tr.Block())
		if tr.IsNull() {
			continue
		}
		out[strings.TrimPrefix(tr.Name, prefix)] = tr.Value
	}
	return out, nil
}

func (e *Env) prefixTransformations(ctx context.Context, entity, prefix string) ([]models.Transformation, error) {
	dep := models.DependentKeyFor(models.TransformationNamespace, entity, prefix)
	e.tracker.Add(models.DependentKey{Key: dep, Prefix: true})
	rows, err := memoized(e, transformationPrefixMemoKey(dep), func() ([]models.Transformation, error) {
		return e.src.Store.LatestTransformationsWithPrefix(ctx, entity, prefix, e.block.Height)
	})
	if err != nil {
		return nil, fmt.Errorf("get transformation map %s: %w", dep, err)
	}
	return rows, nil
}

// GetDateFirstTransformed returns the time of the earliest live transformation selected by q.
func (e *Env) GetDateFirstTransformed(ctx context.Context, q MatchQuery) (time.Time, bool, error) {
	dep := models.DependentKeyFor(models.TransformationNamespace, q.Entity, q.NamePattern)
	e.tracker.Add(models.DependentKey{Key: dep})

	var codeIDs []uint64
	if len(q.CodeKinds) > 0 && e.src.Codes != nil {
		codeIDs = e.src.Codes.CodeIDs(q.CodeKinds...)
	}
	tr, err := e.src.Store.FirstTransformation(ctx, db.TransformationQuery{
		Entity:      q.Entity,
		NamePattern: q.NamePattern,
		CodeIDs:     codeIDs,
	}, q.ValueContains, e.block.Height)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("first transformed %s: %w", dep, err)
	}
	if tr == nil {
		return time.Time{}, false, nil
	}
	e.tracker.Observe(tr.Block())
	return time.UnixMilli(tr.BlockTimeUnixMs).UTC(), true, nil
}
