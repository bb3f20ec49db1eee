package state

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/keys"
)

// Key names a key to prefetch. With Map set, every key under the map prefix is loaded.
type Key struct {
	Parts []any
	Map   bool
}

func Exact(parts ...any) Key { return Key{Parts: parts} }

func MapOf(parts ...any) Key { return Key{Parts: parts, Map: true} }

// Name names a transformation to prefetch. With Map set, every "Name:<key>" is loaded.
type Name struct {
	Name string
	Map  bool
}

// Prefetch loads the given keys of entity concurrently and warms the read memo so that
// following Get and GetMap calls are served from memory. It records nothing in the tracker.
func (e *Env) Prefetch(ctx context.Context, namespace, entity string, ks ...Key) error {
	tasks := make([]func() error, 0, len(ks))
	for _, k := range ks {
		if k.Map {
			prefix, err := keys.MapPrefix(k.Parts...)
			if err != nil {
				return err
			}
			tasks = append(tasks, func() error {
				dep := models.DependentKeyFor(namespace, entity, keys.Hex(prefix))
				rows, err := memoized(e, prefixMemoKey(dep), func() ([]models.StateEvent, error) {
					return e.src.Store.LatestEventsWithPrefix(ctx, namespace, entity, prefix, e.block.Height)
				})
				if err != nil {
					return err
				}
				for i := range rows {
					row := rows[i]
					e.memo.LoadOrStore(eventMemoKey(row.DependentKey()), &row)
				}
				return nil
			})
			continue
		}
		key, err := keys.Encode(k.Parts...)
		if err != nil {
			return err
		}
		tasks = append(tasks, func() error {
			dep := models.DependentKeyFor(namespace, entity, keys.Hex(key))
			_, err := memoized(e, eventMemoKey(dep), func() (*models.StateEvent, error) {
				return e.src.Store.LatestEvent(ctx, namespace, entity, key, e.block.Height)
			})
			return err
		})
	}
	if err := e.run(ctx, tasks); err != nil {
		return fmt.Errorf("prefetch %s:%s: %w", namespace, entity, err)
	}
	return nil
}

// PrefetchTransformations is Prefetch for transformations of entity.
func (e *Env) PrefetchTransformations(ctx context.Context, entity string, names ...Name) error {
	tasks := make([]func() error, 0, len(names))
	for _, n := range names {
		if n.Map {
			prefix := n.Name + ":"
			tasks = append(tasks, func() error {
				dep := models.DependentKeyFor(models.TransformationNamespace, entity, prefix)
				rows, err := memoized(e, transformationPrefixMemoKey(dep), func() ([]models.Transformation, error) {
					return e.src.Store.LatestTransformationsWithPrefix(ctx, entity, prefix, e.block.Height)
				})
				if err != nil {
					return err
				}
				for i := range rows {
					row := rows[i]
					e.memo.LoadOrStore(transformationMemoKey(row.DependentKey()), &row)
				}
				return nil
			})
			continue
		}
		name := n.Name
		tasks = append(tasks, func() error {
			dep := models.DependentKeyFor(models.TransformationNamespace, entity, name)
			_, err := memoized(e, transformationMemoKey(dep), func() (*models.Transformation, error) {
				return e.src.Store.LatestTransformation(ctx, entity, name, e.block.Height)
			})
			return err
		})
	}
	if err := e.run(ctx, tasks); err != nil {
		return fmt.Errorf("prefetch transformations %s: %w", entity, err)
	}
	return nil
}

func (e *Env) run(ctx context.Context, tasks []func() error) error {
	if e.src.Pool == nil || len(tasks) < 2 {
		for _, task := range tasks {
			if err := task(); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	group := e.src.Pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, task := range tasks {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if err := task(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		e.logger().Warn("prefetch group stopped", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
