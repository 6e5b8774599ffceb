// Package taskengine defines the contract between the gateway and the task
// execution engine, together with an in-process engine implementation
// suitable for single-node deployments and tests.
package taskengine

import (
	"context"
)

// PartKind discriminates the typed invocation parts of a submission.
type PartKind string

const (
	PartText       PartKind = "text"
	PartFile       PartKind = "file"
	PartStructured PartKind = "structured"
)

// Part is one typed element of an invocation. Exactly the fields for its
// Kind are populated.
type Part struct {
	Kind PartKind

	// Text carries the free-text invocation body for PartText.
	Text string

	// Filename names a file part, or the suggested output artifact name for
	// a structured part.
	Filename string

	// Data carries the raw content of a file part.
	Data []byte

	// InputSchema and OutputSchema carry the JSON Schemas of a structured
	// invocation.
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Submission is a request to run a target with an ordered list of parts.
// Once submitted it is owned by the engine; the gateway retains only the
// returned task ID.
type Submission struct {
	// TaskID optionally assigns the task's ID. The engine generates one when
	// empty. Callers that must register completion state before Submit
	// returns assign their own, since completions are asynchronous and can
	// fire before Submit's return value is observed.
	TaskID string

	// Target is the agent or workflow name to invoke.
	Target string

	// Parts is the ordered invocation content. The first part is always text.
	Parts []Part

	// Context carries arbitrary forwarded values that travel with the task
	// and reappear in the completion's result context.
	Context map[string]any

	// DeferredAck records that the originating message is held
	// un-acknowledged until this task settles.
	DeferredAck bool
}

// Completion is the terminal notification for a submitted task.
type Completion struct {
	TaskID  string
	Success bool

	// Result holds the success payload: free text from an agent, or a
	// structured value from a workflow.
	Result any

	// Error describes the failure when Success is false.
	Error string

	// Context echoes the submission context for output correlation.
	Context map[string]any
}

// CompletionFunc receives terminal task notifications. Implementations must
// be safe for concurrent invocation.
type CompletionFunc func(Completion)

// Engine accepts submissions and produces asynchronous completions.
type Engine interface {
	// Submit enqueues a task and returns its task ID: the submission's
	// TaskID when set, otherwise a generated one. An error means the task
	// was never accepted and no completion will follow.
	Submit(ctx context.Context, sub Submission) (string, error)
}
