package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownVerb is returned for descriptors whose first word has no factory.
	ErrUnknownVerb = errors.New("scheduler: unknown task verb")
	// ErrMalformedDescriptor is returned when the argument count or values are wrong.
	ErrMalformedDescriptor = errors.New("scheduler: malformed task descriptor")
)

// Task is a parsed descriptor ready to run for one agent. Run must be safe to
// re-enter after a restart: it rebuilds its position from remote state.
type Task interface {
	Run(ctx context.Context, agentID string) error
	String() string
}

// Factory builds a Task from the positional arguments after the verb.
type Factory func(args []string) (Task, error)

type verb struct {
	arity   int
	factory Factory
}

// Registry maps descriptor verbs to factories.
type Registry struct {
	mu    sync.RWMutex
	verbs map[string]verb
}

func NewRegistry() *Registry {
	return &Registry{verbs: make(map[string]verb)}
}

// Register binds name to f. arity is the exact number of arguments after the
// verb; a negative arity accepts any count.
func (r *Registry) Register(name string, arity int, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verbs[name] = verb{arity: arity, factory: f}
}

// Verbs returns the registered verb names, sorted.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.verbs))
	for name := range r.verbs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Parse splits a space-delimited descriptor and hands its arguments to the
// verb's factory.
func (r *Registry) Parse(descriptor string) (Task, error) {
	fields := strings.Fields(descriptor)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedDescriptor)
	}
	r.mu.RLock()
	v, ok := r.verbs[fields[0]]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, fields[0])
	}
	args := fields[1:]
	if v.arity >= 0 && len(args) != v.arity {
		return nil, fmt.Errorf("%w: %s wants %d arguments, got %d", ErrMalformedDescriptor, fields[0], v.arity, len(args))
	}
	task, err := v.factory(args)
	if err != nil {
		if errors.Is(err, ErrMalformedDescriptor) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return task, nil
}

// Validate reports whether descriptor parses, without keeping the task.
func (r *Registry) Validate(descriptor string) error {
	_, err := r.Parse(descriptor)
	return err
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	Name string
	Fn   func(ctx context.Context, agentID string) error
}

func (t TaskFunc) Run(ctx context.Context, agentID string) error {
	return t.Fn(ctx, agentID)
}

func (t TaskFunc) String() string {
	return t.Name
}
