package db

import (
	"context"
	"encoding/json"

	"github.com/canopy-network/statex/pkg/db/models"
)

// EventFilter narrows FirstEvent lookups.
type EventFilter struct {
	SkipDeleted bool
	// ValueContains keeps only events whose JSON value contains this JSON document
	// (Postgres @> semantics).
	ValueContains json.RawMessage
}

// TransformationQuery selects transformations across names and, optionally, entities.
type TransformationQuery struct {
	// Entity restricts the match to one entity. Empty matches every entity.
	Entity string
	// NamePattern is a transformation name where "*" matches any run of characters.
	NamePattern string
	// CodeIDs restricts matches to entities instantiated from these code ids.
	CodeIDs []uint64
}

// Reader is the read side of the store. Every read is evaluated as of a target block height:
// rows written after it are invisible. Single-row lookups return nil when nothing matches.
type Reader interface {
	LatestEvent(ctx context.Context, namespace, entity string, key []byte, height uint64) (*models.StateEvent, error)
	// LatestEventsWithPrefix returns the newest row per key under prefix, deletes included,
	// ordered by key.
	LatestEventsWithPrefix(ctx context.Context, namespace, entity string, prefix []byte, height uint64) ([]models.StateEvent, error)
	FirstEvent(ctx context.Context, namespace, entity string, key []byte, height uint64, filter EventFilter) (*models.StateEvent, error)

	LatestTransformation(ctx context.Context, entity, name string, height uint64) (*models.Transformation, error)
	// LatestTransformationsWithPrefix returns the newest row per name under namePrefix, null
	// values included, ordered by name.
	LatestTransformationsWithPrefix(ctx context.Context, entity, namePrefix string, height uint64) ([]models.Transformation, error)
	// MatchTransformations returns the newest row per (entity, name) selected by q, null values
	// included, ordered by entity and name.
	MatchTransformations(ctx context.Context, q TransformationQuery, height uint64) ([]models.Transformation, error)
	// FirstTransformation returns the earliest non-null row selected by q whose value contains
	// valueContains.
	FirstTransformation(ctx context.Context, q TransformationQuery, valueContains json.RawMessage, height uint64) (*models.Transformation, error)

	// ChangeBlocks lists the distinct blocks in [from, to], ascending, holding an event or a
	// transformation that matches any of deps. limit <= 0 means no limit.
	ChangeBlocks(ctx context.Context, deps []models.DependentKey, from, to uint64, limit int) ([]models.Block, error)
	// EventsBetween lists events with from <= height <= to. An empty namespace selects all.
	EventsBetween(ctx context.Context, namespace string, from, to uint64) ([]models.StateEvent, error)
	TransformationsBetween(ctx context.Context, from, to uint64) ([]models.Transformation, error)

	LatestBlock(ctx context.Context) (*models.Block, error)
	FirstBlock(ctx context.Context) (*models.Block, error)
	BlockAtOrBefore(ctx context.Context, height uint64) (*models.Block, error)
	BlockAtOrBeforeTime(ctx context.Context, timeUnixMs int64) (*models.Block, error)

	GetEntity(ctx context.Context, address string) (*models.Entity, error)

	// LatestComputation returns the computation for key with the highest block height <= height.
	LatestComputation(ctx context.Context, key models.ComputationKey, height uint64) (*models.Computation, error)
	// ComputationsInRange returns computations for key with after < blockHeight <= upTo, ascending.
	ComputationsInRange(ctx context.Context, key models.ComputationKey, after, upTo uint64) ([]models.Computation, error)
	// ComputationsDependingOn returns every computation with a dependency matching any of the
	// given row dependent keys.
	ComputationsDependingOn(ctx context.Context, rowKeys []string) ([]models.Computation, error)
}

// Writer is the write side of the store.
type Writer interface {
	// UpsertEvents writes events; rows with the same (namespace, entity, key, height) replace
	// each other with the last one winning.
	UpsertEvents(ctx context.Context, events []models.StateEvent) error
	UpsertTransformations(ctx context.Context, transformations []models.Transformation) error
	UpsertEntities(ctx context.Context, entities []models.Entity) error
	UpsertBlocks(ctx context.Context, blocks []models.Block) error

	// UpsertComputation inserts c or, when a computation with the same key and block height
	// exists, updates it. Validity never moves backwards through an upsert. c.ID is set.
	UpsertComputation(ctx context.Context, c *models.Computation) error
	UpdateComputationValidity(ctx context.Context, id int64, latestBlockHeightValid uint64) error
	DeleteComputations(ctx context.Context, ids []int64) error
	DeleteComputationsForTarget(ctx context.Context, address string) (int64, error)
}

// Store is a complete event log, transformation and computation store.
type Store interface {
	Reader
	Writer
	// InTx runs fn atomically. Store calls made with the context passed to fn take part in
	// the transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Ping(ctx context.Context) error
	Close() error
}
