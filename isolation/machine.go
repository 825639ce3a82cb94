package isolation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/gramlab/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Parsing machine
// ---------------------------------------------------------------------------

// frame is one active rule invocation.
type frame struct {
	rule  *RuleClass
	ip    int
	start int // stream position on entry
	node  *RawNode
}

// choicePoint is a backtrack entry: where to resume and what to restore.
type choicePoint struct {
	ip       int
	pos      int
	depth    int // len(frames) when pushed
	children int // len(node.Children) of the top frame when pushed
}

// machine runs one parse. It is not shared between goroutines; the linked
// classes it reads are immutable.
type machine struct {
	ctx    context.Context
	rt     *RuntimeClass
	lexer  *LexerClass
	tokens []*RawToken
	stream []int // indexes of default-channel tokens, EOF last

	pos    int
	frames []frame
	stack  []choicePoint
	steps  int

	farthest int
	expected []int
}

func newMachine(ctx context.Context, rt *RuntimeClass, lexer *LexerClass, tokens []*RawToken) *machine {
	m := &machine{ctx: ctx, rt: rt, lexer: lexer, tokens: tokens}
	for i, t := range tokens {
		if t.Channel == 0 {
			m.stream = append(m.stream, i)
		}
	}
	return m
}

// parse runs start over the token stream. When the parse fails, the
// offending token is reported and deleted and the parse is retried, up to
// rt.MaxRecoveries times. If recovery gives up, the root holds every
// default-channel token as an error child.
func (m *machine) parse(start *RuleClass) (*RawNode, []RawError, error) {
	var errs []RawError
	for attempt := 0; ; attempt++ {
		root, ok, err := m.run(start)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return root, errs, nil
		}
		at := m.farthest
		if at >= len(m.stream) {
			at = len(m.stream) - 1
		}
		offending := m.stream[at]
		errs = append(errs, m.syntaxError(offending))
		if m.tokens[offending].Type() == EOFType || attempt >= m.rt.MaxRecoveries {
			return m.errorRoot(start), errs, nil
		}
		m.stream = append(m.stream[:at:at], m.stream[at+1:]...)
	}
}

func (m *machine) run(start *RuleClass) (*RawNode, bool, error) {
	m.pos = 0
	m.steps = 0
	m.farthest = 0
	m.expected = m.expected[:0]
	m.stack = m.stack[:0]
	m.frames = append(m.frames[:0], frame{rule: start, node: &RawNode{Rule: start, Start: m.tokenAt(0)}})

	checkEvery := m.rt.CheckEvery
	if checkEvery <= 0 {
		checkEvery = 1
	}
	for {
		m.steps++
		if m.steps%checkEvery == 0 {
			if err := m.ctx.Err(); err != nil {
				return nil, false, err
			}
		}

		f := &m.frames[len(m.frames)-1]
		chunk := f.rule.chunk
		op := bytecode.OpReturn
		if f.ip < len(chunk.Code) {
			op = bytecode.Opcode(chunk.Code[f.ip])
		}

		switch op {
		case bytecode.OpNop:
			f.ip++

		case bytecode.OpMatch:
			want := f.rule.types[chunk.ReadUint16(f.ip+1)]
			if m.current().Type() != want {
				m.expect(want)
				if !m.fail() {
					return nil, false, nil
				}
				continue
			}
			m.consume(f.node)
			f.ip += 3

		case bytecode.OpMatchAny:
			if m.current().Type() == EOFType {
				if !m.fail() {
					return nil, false, nil
				}
				continue
			}
			m.consume(f.node)
			f.ip++

		case bytecode.OpCall:
			callee := f.rule.calls[chunk.ReadUint16(f.ip+1)]
			if len(m.frames) >= m.rt.MaxDepth {
				return nil, false, fmt.Errorf("%w: %d nested calls entering %s", ErrStackOverflow, len(m.frames), callee.name)
			}
			f.ip += 3
			m.frames = append(m.frames, frame{
				rule:  callee,
				start: m.pos,
				node:  &RawNode{Rule: callee, Start: m.tokenAt(m.pos)},
			})

		case bytecode.OpReturn:
			node := f.node
			if m.pos > f.start {
				node.Stop = m.tokenAt(m.pos - 1)
			} else {
				node.Stop = node.Start - 1
			}
			m.frames = m.frames[:len(m.frames)-1]
			if len(m.frames) == 0 {
				return node, true, nil
			}
			parent := m.frames[len(m.frames)-1].node
			parent.Children = append(parent.Children, RawChild{Node: node})

		case bytecode.OpChoice:
			m.stack = append(m.stack, choicePoint{
				ip:       jumpTarget(chunk, f.ip),
				pos:      m.pos,
				depth:    len(m.frames),
				children: len(f.node.Children),
			})
			f.ip += 3

		case bytecode.OpCommit:
			m.stack = m.stack[:len(m.stack)-1]
			f.ip = jumpTarget(chunk, f.ip)

		case bytecode.OpJump:
			f.ip = jumpTarget(chunk, f.ip)

		case bytecode.OpFail:
			if !m.fail() {
				return nil, false, nil
			}

		default:
			panic(fmt.Sprintf("unknown opcode %s at %04X in %s", op, f.ip, f.rule.name))
		}
	}
}

func jumpTarget(c *bytecode.Chunk, ip int) int {
	return ip + 3 + int(c.ReadInt16(ip+1))
}

// fail resumes at the latest choice point. It reports false when there is
// none left.
func (m *machine) fail() bool {
	if len(m.stack) == 0 {
		return false
	}
	cp := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	m.frames = m.frames[:cp.depth]
	top := &m.frames[cp.depth-1]
	top.ip = cp.ip
	top.node.Children = top.node.Children[:cp.children]
	m.pos = cp.pos
	return true
}

func (m *machine) current() *RawToken {
	if m.pos >= len(m.stream) {
		return m.tokens[m.stream[len(m.stream)-1]]
	}
	return m.tokens[m.stream[m.pos]]
}

// tokenAt maps a stream position to a token index; positions past the end
// map to EOF.
func (m *machine) tokenAt(pos int) int {
	if pos >= len(m.stream) {
		pos = len(m.stream) - 1
	}
	return m.stream[pos]
}

func (m *machine) consume(node *RawNode) {
	node.Children = append(node.Children, RawChild{Token: m.tokenAt(m.pos)})
	if m.pos < len(m.stream) {
		m.pos++
	}
}

// expect records a token type that would have matched at the current
// position, keeping only the farthest position reached.
func (m *machine) expect(typ int) {
	switch {
	case m.pos > m.farthest:
		m.farthest = m.pos
		m.expected = append(m.expected[:0], typ)
	case m.pos == m.farthest:
		for _, t := range m.expected {
			if t == typ {
				return
			}
		}
		m.expected = append(m.expected, typ)
	}
}

func (m *machine) syntaxError(offending int) RawError {
	tok := m.tokens[offending]
	msg := fmt.Sprintf("mismatched input '%s'", escapeText(tok.Text))
	if len(m.expected) > 0 {
		msg += " expecting " + m.expectedString()
	}
	return RawError{
		Line:    tok.Line,
		Column:  tok.Column,
		Offset:  tok.Start,
		Length:  tok.Stop - tok.Start + 1,
		Token:   offending,
		Message: msg,
	}
}

func (m *machine) expectedString() string {
	types := append([]int(nil), m.expected...)
	sort.Ints(types)
	names := make([]string, 0, len(types))
	for _, t := range types {
		if k := m.lexer.kindOf(t); k != nil {
			names = append(names, k.DisplayName())
		}
	}
	if len(names) == 1 {
		return names[0]
	}
	return "{" + strings.Join(names, ", ") + "}"
}

func (m *machine) errorRoot(start *RuleClass) *RawNode {
	root := &RawNode{Rule: start, Start: 0, Stop: len(m.tokens) - 1}
	for i, t := range m.tokens {
		if t.Channel == 0 {
			root.Children = append(root.Children, RawChild{Token: i, Error: true})
		}
	}
	return root
}
