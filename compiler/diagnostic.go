package compiler

import (
	"fmt"
	"strings"
)

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

var severityNames = [...]string{"info", "warning", "error", "fatal"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// Blocking reports whether a diagnostic of this severity fails a compile.
func (s Severity) Blocking() bool {
	return s >= SeverityError
}

// Diagnostic is one message from the toolchain.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Path     string   `json:"path,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	var sb strings.Builder
	if d.Path != "" {
		sb.WriteString(d.Path)
		if d.Line > 0 {
			fmt.Fprintf(&sb, ":%d:%d", d.Line, d.Column)
		}
		sb.WriteString(": ")
	}
	sb.WriteString(d.Severity.String())
	sb.WriteString(": ")
	sb.WriteString(d.Message)
	if d.Code != "" {
		fmt.Fprintf(&sb, " [%s]", d.Code)
	}
	return sb.String()
}

// DiagnosticListener receives diagnostics as the toolchain produces them.
type DiagnosticListener interface {
	Report(Diagnostic)
}

// ListenerFunc adapts a function to DiagnosticListener.
type ListenerFunc func(Diagnostic)

func (f ListenerFunc) Report(d Diagnostic) { f(d) }
