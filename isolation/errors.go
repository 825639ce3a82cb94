package isolation

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	// ErrDisposed is returned by every operation on a disposed scope.
	ErrDisposed = errors.New("isolation: scope disposed")

	// ErrUnknownHandle is returned for a handle the registry does not hold,
	// including one that was already disposed.
	ErrUnknownHandle = errors.New("isolation: unknown handle")

	// ErrStackOverflow is raised when rule calls nest deeper than the
	// runtime's call-depth limit.
	ErrStackOverflow = errors.New("isolation: rule call depth exceeded")
)

// ClassNotFoundError is returned when a name resolves neither in the scope's
// artifacts nor in its shared library.
type ClassNotFoundError struct {
	Name string
}

func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("isolation: class %s not found", e.Name)
}

// LinkError is returned when a loaded class references something that is
// present but of the wrong kind.
type LinkError struct {
	Class   string
	Message string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("isolation: link %s: %s", e.Class, e.Message)
}

// Thrown is a failure raised while running code inside a scope. It holds
// strings only, so it can leave the scope without keeping anything in it
// reachable.
type Thrown struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (t *Thrown) Error() string {
	return t.Kind + ": " + t.Message
}

// Throwable kinds.
const (
	KindPanic         = "Panic"
	KindClassNotFound = "ClassNotFoundError"
	KindLink          = "LinkError"
	KindDisposed      = "ScopeDisposed"
	KindStackOverflow = "StackOverflowError"
	KindCanceled      = "Canceled"
	KindError         = "Error"
)

// throwError converts an error into a Thrown. Only the message is kept.
func throwError(err error) *Thrown {
	kind := KindError
	var cnf *ClassNotFoundError
	var le *LinkError
	switch {
	case errors.As(err, &cnf):
		kind = KindClassNotFound
	case errors.As(err, &le):
		kind = KindLink
	case errors.Is(err, ErrDisposed), errors.Is(err, ErrUnknownHandle):
		kind = KindDisposed
	case errors.Is(err, ErrStackOverflow):
		kind = KindStackOverflow
	case isCanceled(err):
		kind = KindCanceled
	}
	return &Thrown{Kind: kind, Message: err.Error()}
}

func throwPanic(r interface{}) *Thrown {
	return &Thrown{Kind: KindPanic, Message: fmt.Sprintf("%v", r), Stack: string(debug.Stack())}
}
