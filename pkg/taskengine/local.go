package taskengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AgentFunc runs a free-text agent invocation and returns its result value.
type AgentFunc func(ctx context.Context, sub Submission) (any, error)

// WorkflowFunc runs a structured sub-workflow invocation.
type WorkflowFunc func(ctx context.Context, sub Submission) (any, error)

// LocalEngineConfig holds configuration for the in-process engine.
type LocalEngineConfig struct {
	NumWorkers int
	QueueSize  int
}

// NewLocalEngineDefaults provides a config with sensible defaults.
func NewLocalEngineDefaults() LocalEngineConfig {
	return LocalEngineConfig{NumWorkers: 5, QueueSize: 100}
}

type queuedTask struct {
	id  string
	sub Submission
}

// LocalEngine is an in-process Engine running submissions on a bounded
// worker pool. Workflows are looked up before agents when both registries
// hold the target name.
type LocalEngine struct {
	cfg    LocalEngineConfig
	logger zerolog.Logger

	mu        sync.RWMutex
	agents    map[string]AgentFunc
	workflows map[string]WorkflowFunc
	onDone    []CompletionFunc

	taskChan chan queuedTask
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLocalEngine creates a new LocalEngine. It does not run tasks until
// Start is called.
func NewLocalEngine(cfg LocalEngineConfig, logger zerolog.Logger) *LocalEngine {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &LocalEngine{
		cfg:       cfg,
		logger:    logger.With().Str("component", "LocalEngine").Logger(),
		agents:    make(map[string]AgentFunc),
		workflows: make(map[string]WorkflowFunc),
		taskChan:  make(chan queuedTask, cfg.QueueSize),
	}
}

// RegisterAgent adds a named agent function.
func (e *LocalEngine) RegisterAgent(name string, fn AgentFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agents[name] = fn
}

// RegisterWorkflow adds a named workflow function.
func (e *LocalEngine) RegisterWorkflow(name string, fn WorkflowFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[name] = fn
}

// OnCompletion registers a callback for terminal task notifications.
// Callbacks run on worker goroutines.
func (e *LocalEngine) OnCompletion(fn CompletionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDone = append(e.onDone, fn)
}

// Start launches the worker pool.
func (e *LocalEngine) Start(ctx context.Context) {
	e.logger.Info().Int("worker_count", e.cfg.NumWorkers).Msg("Starting local engine workers...")
	e.wg.Add(e.cfg.NumWorkers)
	for i := 0; i < e.cfg.NumWorkers; i++ {
		go e.worker(ctx, i)
	}
}

// Submit enqueues a task for execution and returns its ID, honoring a
// caller-assigned Submission.TaskID.
func (e *LocalEngine) Submit(_ context.Context, sub Submission) (string, error) {
	if sub.Target == "" {
		return "", fmt.Errorf("submission has no target")
	}
	id := sub.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	select {
	case e.taskChan <- queuedTask{id: id, sub: sub}:
		return id, nil
	default:
		return "", fmt.Errorf("engine queue is full, rejecting submission for target %s", sub.Target)
	}
}

// Stop closes the intake and waits for in-flight tasks, respecting the
// context's deadline.
func (e *LocalEngine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		close(e.taskChan)
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			e.logger.Info().Msg("Local engine stopped.")
		case <-ctx.Done():
			err = ctx.Err()
			e.logger.Error().Err(err).Msg("Timeout waiting for engine workers to finish.")
		}
	})
	return err
}

// worker is the main loop for each pool goroutine.
func (e *LocalEngine) worker(ctx context.Context, workerID int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Int("worker_id", workerID).Msg("Engine worker shutting down.")
			return
		case task, ok := <-e.taskChan:
			if !ok {
				return
			}
			e.run(ctx, task)
		}
	}
}

// run executes one task and fans out its completion.
func (e *LocalEngine) run(ctx context.Context, task queuedTask) {
	completion := Completion{TaskID: task.id, Context: task.sub.Context}

	result, err := e.execute(ctx, task.sub)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.id).Str("target", task.sub.Target).Msg("Task failed.")
		completion.Success = false
		completion.Error = err.Error()
	} else {
		completion.Success = true
		completion.Result = result
	}

	e.mu.RLock()
	callbacks := make([]CompletionFunc, len(e.onDone))
	copy(callbacks, e.onDone)
	e.mu.RUnlock()
	for _, fn := range callbacks {
		fn(completion)
	}
}

// execute resolves the target and runs it, validating structured input first.
func (e *LocalEngine) execute(ctx context.Context, sub Submission) (any, error) {
	if err := validateStructuredInput(sub); err != nil {
		return nil, err
	}

	e.mu.RLock()
	wf, isWorkflow := e.workflows[sub.Target]
	ag, isAgent := e.agents[sub.Target]
	e.mu.RUnlock()

	switch {
	case isWorkflow:
		return wf(ctx, sub)
	case isAgent:
		return ag(ctx, sub)
	default:
		return nil, fmt.Errorf("no agent or workflow registered for target %s", sub.Target)
	}
}

// validateStructuredInput checks the text part of a structured invocation
// against its declared input schema.
func validateStructuredInput(sub Submission) error {
	var structured *Part
	for i := range sub.Parts {
		if sub.Parts[i].Kind == PartStructured && sub.Parts[i].InputSchema != nil {
			structured = &sub.Parts[i]
			break
		}
	}
	if structured == nil {
		return nil
	}

	var input any
	for _, p := range sub.Parts {
		if p.Kind == PartText {
			if err := json.Unmarshal([]byte(p.Text), &input); err != nil {
				return fmt.Errorf("structured invocation input is not valid JSON: %w", err)
			}
			break
		}
	}

	schema, err := compileSchema(structured.InputSchema)
	if err != nil {
		return fmt.Errorf("invalid input schema for target %s: %w", sub.Target, err)
	}
	if err := schema.Validate(input); err != nil {
		return fmt.Errorf("structured invocation input failed schema validation: %w", err)
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}
