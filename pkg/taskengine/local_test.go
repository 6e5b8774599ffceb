package taskengine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-event-gateway/pkg/taskengine"
)

// completionRecorder collects completions for assertions.
type completionRecorder struct {
	mu   sync.Mutex
	done []taskengine.Completion
}

func (r *completionRecorder) record(c taskengine.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, c)
}

func (r *completionRecorder) completions() []taskengine.Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]taskengine.Completion, len(r.done))
	copy(out, r.done)
	return out
}

func newStartedEngine(t *testing.T, cfg taskengine.LocalEngineConfig) (*taskengine.LocalEngine, *completionRecorder) {
	t.Helper()
	engine := taskengine.NewLocalEngine(cfg, zerolog.Nop())
	recorder := &completionRecorder{}
	engine.OnCompletion(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = engine.Stop(stopCtx)
	})
	return engine, recorder
}

func TestLocalEngine_AgentSuccess(t *testing.T) {
	engine, recorder := newStartedEngine(t, taskengine.NewLocalEngineDefaults())
	engine.RegisterAgent("echo", func(_ context.Context, sub taskengine.Submission) (any, error) {
		return sub.Parts[0].Text, nil
	})

	taskID, err := engine.Submit(context.Background(), taskengine.Submission{
		Target:  "echo",
		Parts:   []taskengine.Part{{Kind: taskengine.PartText, Text: "hello"}},
		Context: map[string]any{"handler_name": "h1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		return len(recorder.completions()) == 1
	}, time.Second, 10*time.Millisecond)

	done := recorder.completions()[0]
	assert.Equal(t, taskID, done.TaskID)
	assert.True(t, done.Success)
	assert.Equal(t, "hello", done.Result)
	assert.Equal(t, "h1", done.Context["handler_name"])
}

func TestLocalEngine_AgentFailure(t *testing.T) {
	engine, recorder := newStartedEngine(t, taskengine.NewLocalEngineDefaults())
	engine.RegisterAgent("broken", func(_ context.Context, _ taskengine.Submission) (any, error) {
		return nil, errors.New("agent exploded")
	})

	_, err := engine.Submit(context.Background(), taskengine.Submission{
		Target: "broken",
		Parts:  []taskengine.Part{{Kind: taskengine.PartText, Text: "x"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.completions()) == 1
	}, time.Second, 10*time.Millisecond)

	done := recorder.completions()[0]
	assert.False(t, done.Success)
	assert.Contains(t, done.Error, "agent exploded")
}

func TestLocalEngine_WorkflowOutranksAgent(t *testing.T) {
	engine, recorder := newStartedEngine(t, taskengine.NewLocalEngineDefaults())
	engine.RegisterAgent("dual", func(_ context.Context, _ taskengine.Submission) (any, error) {
		return "agent", nil
	})
	engine.RegisterWorkflow("dual", func(_ context.Context, _ taskengine.Submission) (any, error) {
		return "workflow", nil
	})

	_, err := engine.Submit(context.Background(), taskengine.Submission{
		Target: "dual",
		Parts:  []taskengine.Part{{Kind: taskengine.PartText, Text: "x"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(recorder.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "workflow", recorder.completions()[0].Result)
}

func TestLocalEngine_UnknownTargetFails(t *testing.T) {
	engine, recorder := newStartedEngine(t, taskengine.NewLocalEngineDefaults())

	_, err := engine.Submit(context.Background(), taskengine.Submission{
		Target: "nobody",
		Parts:  []taskengine.Part{{Kind: taskengine.PartText, Text: "x"}},
	})
	require.NoError(t, err, "an unknown target is a task failure, not a submission failure")

	require.Eventually(t, func() bool {
		return len(recorder.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, recorder.completions()[0].Success)
}

func TestLocalEngine_EmptyTargetRejected(t *testing.T) {
	engine, _ := newStartedEngine(t, taskengine.NewLocalEngineDefaults())

	_, err := engine.Submit(context.Background(), taskengine.Submission{
		Parts: []taskengine.Part{{Kind: taskengine.PartText, Text: "x"}},
	})
	assert.Error(t, err)
}

func TestLocalEngine_QueueFull(t *testing.T) {
	// No workers started, so nothing drains the queue.
	engine := taskengine.NewLocalEngine(taskengine.LocalEngineConfig{NumWorkers: 1, QueueSize: 1}, zerolog.Nop())
	engine.RegisterAgent("a", func(_ context.Context, _ taskengine.Submission) (any, error) { return nil, nil })

	sub := taskengine.Submission{Target: "a", Parts: []taskengine.Part{{Kind: taskengine.PartText}}}
	_, err := engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	_, err = engine.Submit(context.Background(), sub)
	assert.Error(t, err, "a full queue rejects rather than blocks")
}

func TestLocalEngine_StructuredInputValidation(t *testing.T) {
	engine, recorder := newStartedEngine(t, taskengine.NewLocalEngineDefaults())

	var invoked atomic.Bool
	engine.RegisterWorkflow("typed", func(_ context.Context, _ taskengine.Submission) (any, error) {
		invoked.Store(true)
		return map[string]any{"ok": true}, nil
	})

	schema := map[string]any{
		"type":     "object",
		"required": []any{"device_id"},
		"properties": map[string]any{
			"device_id": map[string]any{"type": "string"},
		},
	}

	// Valid input passes validation and runs the workflow.
	_, err := engine.Submit(context.Background(), taskengine.Submission{
		Target: "typed",
		Parts: []taskengine.Part{
			{Kind: taskengine.PartText, Text: `{"device_id":"d-1"}`},
			{Kind: taskengine.PartStructured, InputSchema: schema},
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(recorder.completions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, recorder.completions()[0].Success)
	assert.True(t, invoked.Load())

	// Input missing a required property fails before the workflow runs.
	_, err = engine.Submit(context.Background(), taskengine.Submission{
		Target: "typed",
		Parts: []taskengine.Part{
			{Kind: taskengine.PartText, Text: `{"other":"x"}`},
			{Kind: taskengine.PartStructured, InputSchema: schema},
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(recorder.completions()) == 2
	}, time.Second, 10*time.Millisecond)
	failed := recorder.completions()[1]
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "schema validation")
}
