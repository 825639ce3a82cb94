package grammar

import (
	"fmt"
	"sort"
	"strings"
)

// Error is a generation failure located in grammar source.
type Error struct {
	Source  string // grammar file; empty for the main grammar text
	Line    int
	Column  int
	Message string
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.Source, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

func errorAt(source string, pos Position, format string, args ...interface{}) *Error {
	return &Error{
		Source:  source,
		Line:    pos.Line,
		Column:  pos.Column,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorList is a list of generation errors. It is itself an error.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(l[0].Error())
	fmt.Fprintf(&sb, " (and %d more)", len(l)-1)
	return sb.String()
}

// Err returns l as an error, or nil when l is empty.
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// Sort orders the list by source, line and column.
func (l ErrorList) Sort() {
	sort.SliceStable(l, func(i, j int) bool {
		a, b := l[i], l[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
}
