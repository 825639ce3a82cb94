package gsrc

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// NodeKind distinguishes s-expression nodes.
type NodeKind int

const (
	NodeSymbol NodeKind = iota
	NodeString
	NodeList
)

// Node is one s-expression. Symbols and strings carry Text; lists carry Items.
type Node struct {
	Kind   NodeKind
	Text   string
	Items  []*Node
	Line   int
	Column int
}

// Head returns the symbol at the front of a list, or "".
func (n *Node) Head() string {
	if n.Kind != NodeList || len(n.Items) == 0 || n.Items[0].Kind != NodeSymbol {
		return ""
	}
	return n.Items[0].Text
}

// Int parses a symbol as a decimal integer.
func (n *Node) Int() (int, bool) {
	if n.Kind != NodeSymbol {
		return 0, false
	}
	v, err := strconv.Atoi(n.Text)
	return v, err == nil
}

func (n *Node) String() string {
	switch n.Kind {
	case NodeString:
		return strconv.Quote(n.Text)
	case NodeList:
		parts := make([]string, len(n.Items))
		for i, it := range n.Items {
			parts[i] = it.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
	return n.Text
}

// SyntaxError is a malformed s-expression.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

type reader struct {
	src  string
	pos  int
	line int
	col  int
}

// Read parses every top-level form in src. Comments run from ';' to the
// end of the line.
func Read(src string) ([]*Node, error) {
	r := &reader{src: src, line: 1, col: 1}
	var forms []*Node
	for {
		r.skipSpace()
		if r.pos >= len(r.src) {
			return forms, nil
		}
		n, err := r.read()
		if err != nil {
			return nil, err
		}
		forms = append(forms, n)
	}
}

func (r *reader) errorf(line, col int, format string, args ...interface{}) error {
	return &SyntaxError{Line: line, Column: col, Message: fmt.Sprintf(format, args...)}
}

func (r *reader) advance() rune {
	ch, size := utf8.DecodeRuneInString(r.src[r.pos:])
	r.pos += size
	if ch == '\n' {
		r.line++
		r.col = 1
	} else {
		r.col++
	}
	return ch
}

func (r *reader) peek() rune {
	if r.pos >= len(r.src) {
		return 0
	}
	ch, _ := utf8.DecodeRuneInString(r.src[r.pos:])
	return ch
}

func (r *reader) skipSpace() {
	for r.pos < len(r.src) {
		ch := r.peek()
		switch {
		case ch == ';':
			for r.pos < len(r.src) && r.peek() != '\n' {
				r.advance()
			}
		case unicode.IsSpace(ch):
			r.advance()
		default:
			return
		}
	}
}

func (r *reader) read() (*Node, error) {
	line, col := r.line, r.col
	switch ch := r.peek(); ch {
	case '(':
		r.advance()
		list := &Node{Kind: NodeList, Line: line, Column: col}
		for {
			r.skipSpace()
			if r.pos >= len(r.src) {
				return nil, r.errorf(line, col, "unclosed list")
			}
			if r.peek() == ')' {
				r.advance()
				return list, nil
			}
			item, err := r.read()
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, item)
		}
	case ')':
		return nil, r.errorf(line, col, "unexpected ')'")
	case '"':
		return r.readString(line, col)
	default:
		start := r.pos
		for r.pos < len(r.src) {
			ch := r.peek()
			if unicode.IsSpace(ch) || ch == '(' || ch == ')' || ch == '"' || ch == ';' {
				break
			}
			r.advance()
		}
		return &Node{Kind: NodeSymbol, Text: r.src[start:r.pos], Line: line, Column: col}, nil
	}
}

// readString reads a Go-quoted string literal.
func (r *reader) readString(line, col int) (*Node, error) {
	start := r.pos
	r.advance() // opening quote
	for {
		if r.pos >= len(r.src) {
			return nil, r.errorf(line, col, "unterminated string")
		}
		switch r.advance() {
		case '\\':
			if r.pos < len(r.src) {
				r.advance()
			}
		case '"':
			text, err := strconv.Unquote(r.src[start:r.pos])
			if err != nil {
				return nil, r.errorf(line, col, "invalid string: %v", err)
			}
			return &Node{Kind: NodeString, Text: text, Line: line, Column: col}, nil
		case '\n':
			return nil, r.errorf(line, col, "newline in string")
		}
	}
}
