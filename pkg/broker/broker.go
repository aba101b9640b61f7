// Package broker defines the interface to the external job broker that
// queues, runs, and stages files for remote batch jobs. The engine treats
// the broker as an opaque collaborator: it submits one bundle per dispatch
// call, waits (or not) for the result, and marks the job processed so an
// identical later dispatch is recognized as already satisfied.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Resources describes the compute request for one batch job.
type Resources struct {
	// Nodes is the number of nodes requested.
	Nodes int `json:"nodes,omitempty"`

	// TasksPerNode is the number of tasks per node.
	TasksPerNode int `json:"tasks_per_node,omitempty"`

	// WallTime is the maximum runtime granted to the job.
	WallTime Duration `json:"walltime,omitempty"`

	// Queue is the target queue or partition name.
	Queue string `json:"queue,omitempty"`

	// Memory is a free-form per-node memory request (e.g. "8GB").
	Memory string `json:"memory,omitempty"`
}

// Duration wraps time.Duration so resource requests and poll intervals can
// be written as JSON numbers of seconds in profile tables.
type Duration time.Duration

// UnmarshalJSON accepts a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON renders the duration as a number of seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Bundle is one fully assembled batch job: the function to run, its encoded
// arguments, the files to stage, and the scheduling request. A bundle is
// immutable once submitted.
type Bundle struct {
	// Name is the job name shown by the scheduler.
	Name string `json:"name"`

	// Function is the registered name of the operation to execute.
	Function string `json:"function"`

	// Args is the encoded call (arguments, chunking, sentinel flags).
	Args json.RawMessage `json:"args"`

	// Hash is the content hash of the call, excluding hash-ignored
	// arguments. Two bundles with equal hashes are the same work.
	Hash string `json:"hash"`

	// PreCmds and PostCmds are shell commands run around the job.
	PreCmds  []string `json:"pre_cmds,omitempty"`
	PostCmds []string `json:"post_cmds,omitempty"`

	// EnvVars are environment overrides applied inside the job.
	EnvVars map[string]string `json:"env_vars,omitempty"`

	// InputFiles and OutputFiles are staged in before and out after the
	// job. OutputFiles always includes the job's working directory so
	// arbitrary artifacts come back.
	InputFiles  []string `json:"input_files,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`

	// Resources is the compute request.
	Resources Resources `json:"resources"`

	// SystemName names the target system the broker should schedule on.
	SystemName string `json:"system_name"`

	// HeaderExtra is extra scheduler header text appended verbatim.
	HeaderExtra string `json:"header_extra,omitempty"`

	// ExactResources requires the resource request to be matched exactly.
	ExactResources bool `json:"exact_resources,omitempty"`

	// PartialNode allows the job to share a node with others.
	PartialNode bool `json:"partial_node,omitempty"`
}

// NewBundle creates a bundle for the named function.
func NewBundle(name, function string) *Bundle {
	return &Bundle{Name: name, Function: function}
}

// WithArgs attaches the encoded call.
func (b *Bundle) WithArgs(args json.RawMessage) *Bundle {
	b.Args = args
	return b
}

// WithHash attaches the call content hash.
func (b *Bundle) WithHash(hash string) *Bundle {
	b.Hash = hash
	return b
}

// WithCommands attaches pre- and post-run shell commands.
func (b *Bundle) WithCommands(pre, post []string) *Bundle {
	b.PreCmds = pre
	b.PostCmds = post
	return b
}

// WithEnv attaches environment overrides.
func (b *Bundle) WithEnv(env map[string]string) *Bundle {
	b.EnvVars = env
	return b
}

// WithFiles attaches staging lists.
func (b *Bundle) WithFiles(input, output []string) *Bundle {
	b.InputFiles = input
	b.OutputFiles = output
	return b
}

// WithTarget attaches the scheduling request.
func (b *Bundle) WithTarget(system string, res Resources, headerExtra string, exact, partialNode bool) *Bundle {
	b.SystemName = system
	b.Resources = res
	b.HeaderExtra = headerExtra
	b.ExactResources = exact
	b.PartialNode = partialNode
	return b
}

// Result is the completion data for one job.
type Result struct {
	// Payload is the structured result produced by the function.
	Payload json.RawMessage `json:"payload"`

	// Stdout and Stderr are the job's captured standard streams. They
	// are always re-emitted to the caller's own streams for visibility.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Handle identifies one submitted job. A handle must not be reused across
// dispatch calls.
type Handle interface {
	// ID is the broker-assigned job identifier.
	ID() string
}

// Broker queues and runs batch jobs on a remote system.
type Broker interface {
	// Submit queues one bundle and returns its handle. A broker may
	// recognize a bundle whose hash matches an already completed,
	// not-yet-processed job and return a handle to that job instead of
	// resubmitting.
	Submit(ctx context.Context, b *Bundle) (Handle, error)

	// WaitForResult blocks until the job completes, polling at the given
	// interval, or until the timeout elapses. Timing out leaves the
	// remote job running; the caller may retry the fetch later.
	WaitForResult(ctx context.Context, h Handle, timeout, interval time.Duration) (*Result, error)

	// MarkProcessed records that the job's results have been consumed,
	// so a subsequent identical dispatch is recognized as satisfied.
	MarkProcessed(ctx context.Context, h Handle) error
}
