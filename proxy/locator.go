package proxy

import (
	"sync"
	"unicode"
	"unicode/utf8"
)

// Locator turns line/column positions into byte offsets. It keeps one line
// table per distinct file and extends it only as far as the lines asked
// for.
type Locator struct {
	mu     sync.Mutex
	tables map[string]*lineTable
}

// NewLocator returns an empty locator.
func NewLocator() *Locator {
	return &Locator{tables: make(map[string]*lineTable)}
}

// Resolve returns a copy of errs with every offset filled in and, for
// non-empty text, clamped to [0, len(text)). Errors without an offset get
// one from their line and column, and a length measured as the run of
// non-whitespace at that offset.
func (l *Locator) Resolve(file, text string, errs []SyntaxError) []SyntaxError {
	if len(errs) == 0 {
		return nil
	}
	out := make([]SyntaxError, len(errs))
	for i, e := range errs {
		if !e.HasOffset() {
			e.Offset, e.Length = l.Locate(file, text, e.Line, e.Column)
		}
		e.Offset = clamp(e.Offset, len(text))
		out[i] = e
	}
	return out
}

// Locate returns the byte offset of line (1-based) and column (0-based, in
// runes) in text, and the length of the non-whitespace run starting there.
// Positions past the end of a line or of the text resolve to the nearest
// valid offset.
func (l *Locator) Locate(file, text string, line, column int) (offset, length int) {
	l.mu.Lock()
	lt, ok := l.tables[file]
	if !ok || lt.text != text {
		lt = &lineTable{text: text, starts: []int{0}}
		l.tables[file] = lt
	}
	start := lt.lineStart(line)
	l.mu.Unlock()

	offset = start
	for n := 0; n < column && offset < len(text); n++ {
		r, size := utf8.DecodeRuneInString(text[offset:])
		if r == '\n' {
			break
		}
		offset += size
	}
	end := offset
	for end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if unicode.IsSpace(r) {
			break
		}
		end += size
	}
	return offset, end - offset
}

// Files returns how many line tables the locator holds.
func (l *Locator) Files() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tables)
}

// lineTable records the start offset of each line scanned so far.
type lineTable struct {
	text    string
	starts  []int
	scanned int // bytes of text already scanned for newlines
}

// lineStart returns the offset of 1-based line n, scanning forward as
// needed. Lines past the end resolve to the last line.
func (lt *lineTable) lineStart(n int) int {
	if n < 1 {
		n = 1
	}
	for len(lt.starts) < n && lt.scanned < len(lt.text) {
		if lt.text[lt.scanned] == '\n' {
			lt.starts = append(lt.starts, lt.scanned+1)
		}
		lt.scanned++
	}
	if n > len(lt.starts) {
		n = len(lt.starts)
	}
	return lt.starts[n-1]
}

// clamp keeps offset inside [0, n) when n > 0.
func clamp(offset, n int) int {
	if offset < 0 {
		return 0
	}
	if n == 0 {
		return offset
	}
	if offset >= n {
		return n - 1
	}
	return offset
}
