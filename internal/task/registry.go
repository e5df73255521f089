package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// StepSeparator joins a task name and the index of a stepped alarm.
const StepSeparator = "__"

// Name identifies a kind of deferred work. Applications declare their names
// as constants; names must not contain StepSeparator.
type Name string

// Handler runs one occurrence of a task.
type Handler func(ctx context.Context) error

var ErrTaskNotRegistered = errors.New("task not registered")

// TaskNotRegisteredError names the task that has no handler in the calling
// context. It matches ErrTaskNotRegistered with errors.Is.
type TaskNotRegisteredError struct {
	Task Name
}

func (e *TaskNotRegisteredError) Error() string {
	return fmt.Sprintf("task %q not registered", string(e.Task))
}

func (e *TaskNotRegisteredError) Is(target error) bool { return target == ErrTaskNotRegistered }

// Registry is the per-context handler table. Handlers are never persisted;
// a restarted context must register them again.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Name]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[Name]Handler{}}
}

// Register binds h to name, replacing any previous handler.
func (r *Registry) Register(name Name, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Validate fails with *TaskNotRegisteredError when name has no handler.
func (r *Registry) Validate(name Name) error {
	if _, ok := r.Lookup(name); !ok {
		return &TaskNotRegisteredError{Task: name}
	}
	return nil
}

func (r *Registry) Lookup(name Name) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok && h != nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	out := make([]Name, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the task behind an alarm name, dropping a stepped suffix.
func Resolve(alarmName string) Name {
	if i := strings.Index(alarmName, StepSeparator); i >= 0 {
		return Name(alarmName[:i])
	}
	return Name(alarmName)
}

// StepName is the alarm name of the k-th alarm of a stepped chain.
func StepName(name Name, k int) string {
	return string(name) + StepSeparator + strconv.Itoa(k)
}
