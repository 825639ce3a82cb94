// Package proxy holds detached parse results: plain data copied out of an
// isolation scope, safe to keep after the scope is disposed.
package proxy

import (
	"encoding/hex"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

// EOFType is the token type of the end-of-input token.
const EOFType = -1

// Node is one rule invocation. Children refer to other nodes and to tokens
// by index.
type Node struct {
	RuleIndex  int     `json:"ruleIndex"`
	RuleName   string  `json:"ruleName"`
	StartToken int     `json:"startToken"`
	StopToken  int     `json:"stopToken"` // StartToken-1 when the rule matched nothing
	Children   []Child `json:"children,omitempty"`
}

// Child is either a node (Node >= 0) or a token (Token >= 0).
type Child struct {
	Node  int  `json:"node"`
	Token int  `json:"token"`
	Error bool `json:"error,omitempty"`
}

// IsNode reports whether the child is a nested node.
func (c Child) IsNode() bool { return c.Node >= 0 }

// Token is one lexed token.
type Token struct {
	Type     int    `json:"type"`
	TypeName string `json:"typeName"`
	Text     string `json:"text"`
	Start    int    `json:"start"` // byte offset
	Stop     int    `json:"stop"`  // byte offset of the last byte
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Channel  int    `json:"channel,omitempty"`
}

// SyntaxError is a lexer or parser error. Offset is -1 and Length 0 until
// resolved by a Locator.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
	Message string `json:"message"`
	Token   int    `json:"token"` // offending token index, -1 for none
}

// HasOffset reports whether the error carries an absolute offset.
func (e SyntaxError) HasOffset() bool { return e.Offset >= 0 }

// ParseTree is a detached parse result. It is immutable apart from the
// lazily resolved error offsets and is safe for concurrent use.
type ParseTree struct {
	file        string
	text        string
	grammarHash string
	tokenNames  []string
	nodes       []Node
	tokens      []Token
	errors      []SyntaxError

	unparsed bool
	failure  string

	locateOnce sync.Once
	located    []SyntaxError
}

// Unparsed returns the proxy for input that could not be parsed at all:
// it carries the text and the reason but no tree.
func Unparsed(text, grammarHash, failure string) *ParseTree {
	return &ParseTree{text: text, grammarHash: grammarHash, unparsed: true, failure: failure}
}

// File returns the name the text was parsed under, if any.
func (t *ParseTree) File() string { return t.file }

// WithFile returns a copy of t reporting the given file name.
func (t *ParseTree) WithFile(name string) *ParseTree {
	c := &ParseTree{
		file:        name,
		text:        t.text,
		grammarHash: t.grammarHash,
		tokenNames:  t.tokenNames,
		nodes:       t.nodes,
		tokens:      t.tokens,
		errors:      t.errors,
		unparsed:    t.unparsed,
		failure:     t.failure,
	}
	return c
}

// Text returns the parsed input.
func (t *ParseTree) Text() string { return t.text }

// GrammarHash returns the hash of the grammar the input was parsed with.
func (t *ParseTree) GrammarHash() string { return t.grammarHash }

// IsUnparsed reports whether the tree holds text only.
func (t *ParseTree) IsUnparsed() bool { return t.unparsed }

// Failure returns why the input is unparsed.
func (t *ParseTree) Failure() string { return t.failure }

// Root returns the root node, or nil for an unparsed tree.
func (t *ParseTree) Root() *Node {
	if len(t.nodes) == 0 {
		return nil
	}
	return &t.nodes[0]
}

// Node returns node i.
func (t *ParseTree) Node(i int) *Node { return &t.nodes[i] }

// Nodes returns the nodes in pre-order; the root is first.
func (t *ParseTree) Nodes() []Node { return t.nodes }

// Tokens returns every token, hidden-channel ones included, EOF last.
func (t *ParseTree) Tokens() []Token { return t.tokens }

// TokenNames returns symbolic token names indexed by type.
func (t *ParseTree) TokenNames() []string { return t.tokenNames }

// HasErrors reports whether lexing or parsing reported any error.
func (t *ParseTree) HasErrors() bool { return len(t.errors) > 0 }

// SyntaxErrors returns the errors with every offset resolved. Offsets are
// computed on first use only.
func (t *ParseTree) SyntaxErrors() []SyntaxError {
	t.locateOnce.Do(func() {
		t.located = NewLocator().Resolve(t.file, t.text, t.errors)
	})
	return t.located
}

// NodeText returns the source text spanned by node n.
func (t *ParseTree) NodeText(n *Node) string {
	if n.StopToken < n.StartToken || n.StartToken < 0 {
		return ""
	}
	start := t.tokens[n.StartToken].Start
	stop := t.tokens[n.StopToken].Stop
	if start > stop || stop >= len(t.text) {
		return ""
	}
	return t.text[start : stop+1]
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// Identity is what two trees must share to be equivalent.
type Identity struct {
	GrammarHash        string
	TokenNamesChecksum uint64
	TokenSequenceHash  string
	SourceText         string // set for unparsed trees only
}

// Identity computes the tree's identity tuple.
func (t *ParseTree) Identity() Identity {
	id := Identity{GrammarHash: t.grammarHash}
	if t.unparsed {
		id.SourceText = t.text
		return id
	}
	id.TokenNamesChecksum = xxh3.HashString(strings.Join(t.tokenNames, "\x00"))

	h := xxh3.New()
	var buf []byte
	for _, tok := range t.tokens {
		buf = strconv.AppendInt(buf[:0], int64(tok.Type), 10)
		buf = append(buf, 0)
		buf = strconv.AppendInt(buf, int64(len(tok.Text)), 10)
		buf = append(buf, 0)
		h.Write(buf)
		h.WriteString(tok.Text)
	}
	sum := h.Sum128().Bytes()
	id.TokenSequenceHash = hex.EncodeToString(sum[:])
	return id
}

// Equivalent reports whether t and other have the same identity.
func (t *ParseTree) Equivalent(other *ParseTree) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Identity() == other.Identity()
}

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

// String prints the tree in LISP form, for example
// (prog (stat (expr (term 1)) ;) <EOF>).
func (t *ParseTree) String() string {
	if t.unparsed {
		return "<unparsed: " + strconv.Quote(t.text) + ">"
	}
	if len(t.nodes) == 0 {
		return "()"
	}
	var sb strings.Builder
	t.writeNode(&sb, 0)
	return sb.String()
}

func (t *ParseTree) writeNode(sb *strings.Builder, i int) {
	n := &t.nodes[i]
	if len(n.Children) == 0 {
		sb.WriteString(n.RuleName)
		return
	}
	sb.WriteString("(")
	sb.WriteString(n.RuleName)
	for _, c := range n.Children {
		sb.WriteString(" ")
		if c.IsNode() {
			t.writeNode(sb, c.Node)
			continue
		}
		tok := t.tokens[c.Token]
		if tok.Type == EOFType {
			sb.WriteString("<EOF>")
		} else {
			sb.WriteString(escapeText(tok.Text))
		}
	}
	sb.WriteString(")")
}

var textEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

func escapeText(s string) string { return textEscaper.Replace(s) }

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

type treeJSON struct {
	File         string        `json:"file,omitempty"`
	GrammarHash  string        `json:"grammarHash"`
	Unparsed     bool          `json:"unparsed,omitempty"`
	Failure      string        `json:"failure,omitempty"`
	Text         string        `json:"text,omitempty"`
	TokenNames   []string      `json:"tokenNames,omitempty"`
	Nodes        []Node        `json:"nodes,omitempty"`
	Tokens       []Token       `json:"tokens,omitempty"`
	SyntaxErrors []SyntaxError `json:"syntaxErrors,omitempty"`
}

// MarshalJSON encodes the tree with resolved error offsets. The text is
// included for unparsed trees only.
func (t *ParseTree) MarshalJSON() ([]byte, error) {
	v := treeJSON{
		File:         t.file,
		GrammarHash:  t.grammarHash,
		Unparsed:     t.unparsed,
		Failure:      t.failure,
		TokenNames:   t.tokenNames,
		Nodes:        t.nodes,
		Tokens:       t.tokens,
		SyntaxErrors: t.SyntaxErrors(),
	}
	if t.unparsed {
		v.Text = t.text
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes a tree written by MarshalJSON. Parsed trees come
// back without their text.
func (t *ParseTree) UnmarshalJSON(data []byte) error {
	var v treeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = ParseTree{
		file:        v.File,
		text:        v.Text,
		grammarHash: v.GrammarHash,
		tokenNames:  v.TokenNames,
		nodes:       v.Nodes,
		tokens:      v.Tokens,
		errors:      v.SyntaxErrors,
		unparsed:    v.Unparsed,
		failure:     v.Failure,
	}
	return nil
}
