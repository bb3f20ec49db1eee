package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/statex/app/worker/activity"
	"github.com/canopy-network/statex/app/worker/types"
	"github.com/canopy-network/statex/pkg/db/memory"
	"github.com/canopy-network/statex/pkg/db/models"
	"github.com/canopy-network/statex/pkg/ingest"
	statextemporal "github.com/canopy-network/statex/pkg/temporal"
)

type recordingExporter struct {
	mu              sync.Mutex
	calls           int
	events          []models.StateEvent
	transformations []models.Transformation
	err             error
}

func (r *recordingExporter) Export(_ context.Context, events []models.StateEvent, transformations []models.Transformation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	r.transformations = append(r.transformations, transformations...)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []ingest.Notification
	err   error
}

func (r *recordingNotifier) NotifyExported(_ context.Context, note ingest.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.notes = append(r.notes, note)
	return nil
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertEvents(ctx, []models.StateEvent{
		{Namespace: "wasm", EntityID: "token", Key: []byte("a"), Value: "1", BlockHeight: 5, BlockTimeUnixMs: 5000},
		{Namespace: "wasm", EntityID: "token", Key: []byte("a"), Value: "2", BlockHeight: 10, BlockTimeUnixMs: 10000},
		{Namespace: "wasm", EntityID: "token", Key: []byte("b"), Value: "3", BlockHeight: 12, BlockTimeUnixMs: 12000},
		{Namespace: "wasm", EntityID: "token", Key: []byte("c"), Value: "4", BlockHeight: 20, BlockTimeUnixMs: 20000},
	}))
	require.NoError(t, store.UpsertTransformations(ctx, []models.Transformation{
		{EntityID: "token", Name: "balance:a", Value: json.RawMessage(`"2"`), BlockHeight: 10, BlockTimeUnixMs: 10000},
	}))
	return store
}

func newEnv(t *testing.T, exporter *recordingExporter, notifier *recordingNotifier) (*testsuite.TestWorkflowEnvironment, *Context) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()

	actCtx := &activity.Context{
		Logger:   zaptest.NewLogger(t),
		Store:    seededStore(t),
		Exporter: exporter,
		Notifier: notifier,
	}
	wfCtx := &Context{ActivityContext: actCtx}

	env.RegisterWorkflow(wfCtx.FollowOnWorkflow)
	env.RegisterActivity(actCtx.ExportCommit)
	env.RegisterActivity(actCtx.NotifyExported)
	return env, wfCtx
}

func followOnInput() statextemporal.FollowOnInput {
	return statextemporal.FollowOnInput{Commit: ingest.Notification{
		ID:          "commit-1",
		Stream:      "wasm",
		FromHeight:  10,
		LatestBlock: models.Block{Height: 12, TimeUnixMs: 12000},
	}}
}

func TestFollowOnWorkflowExportsCommittedHeights(t *testing.T) {
	exporter := &recordingExporter{}
	notifier := &recordingNotifier{}
	env, wfCtx := newEnv(t, exporter, notifier)

	env.ExecuteWorkflow(wfCtx.FollowOnWorkflow, followOnInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.WorkflowFollowOnOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	require.Equal(t, "commit-1", out.CommitID)
	require.Equal(t, 2, out.Events)
	require.Equal(t, 1, out.Transformations)

	require.Equal(t, 1, exporter.calls)
	heights := []uint64{exporter.events[0].BlockHeight, exporter.events[1].BlockHeight}
	require.ElementsMatch(t, []uint64{10, 12}, heights)

	require.Len(t, notifier.notes, 1)
	require.Equal(t, "commit-1", notifier.notes[0].ID)
}

func TestFollowOnWorkflowFailsWhenExportKeepsFailing(t *testing.T) {
	exporter := &recordingExporter{err: errors.New("clickhouse down")}
	notifier := &recordingNotifier{}
	env, wfCtx := newEnv(t, exporter, notifier)

	env.ExecuteWorkflow(wfCtx.FollowOnWorkflow, followOnInput())

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, 5, exporter.calls)
	require.Empty(t, notifier.notes)
}

func TestFollowOnWorkflowToleratesNotifyFailure(t *testing.T) {
	exporter := &recordingExporter{}
	notifier := &recordingNotifier{err: errors.New("redis down")}
	env, wfCtx := newEnv(t, exporter, notifier)

	env.ExecuteWorkflow(wfCtx.FollowOnWorkflow, followOnInput())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Equal(t, 1, exporter.calls)
}

func TestFollowOnWorkflowRejectsEmptyRange(t *testing.T) {
	exporter := &recordingExporter{}
	env, wfCtx := newEnv(t, exporter, &recordingNotifier{})

	in := followOnInput()
	in.Commit.FromHeight = 0
	env.ExecuteWorkflow(wfCtx.FollowOnWorkflow, in)

	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Zero(t, exporter.calls)
}
