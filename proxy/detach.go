package proxy

import (
	"github.com/chazu/gramlab/isolation"
)

// Detach copies raw into a ParseTree. Tokens are copied in one pass and the
// tree in one walk with an explicit stack; only scalars and strings are
// copied, so nothing in the result refers back into the scope. Nodes are
// numbered in pre-order.
func Detach(raw *isolation.RawTree, text string) *ParseTree {
	t := &ParseTree{
		text:        text,
		grammarHash: raw.GrammarHash(),
		tokenNames:  raw.TokenNames(),
		tokens:      make([]Token, len(raw.Tokens)),
	}

	for i, rt := range raw.Tokens {
		t.tokens[i] = Token{
			Type:     rt.Kind.Type,
			TypeName: rt.Kind.Name,
			Text:     rt.Text,
			Start:    rt.Start,
			Stop:     rt.Stop,
			Line:     rt.Line,
			Column:   rt.Column,
			Channel:  rt.Channel,
		}
	}

	for _, re := range raw.Errors {
		t.errors = append(t.errors, SyntaxError{
			Line:    re.Line,
			Column:  re.Column,
			Offset:  re.Offset,
			Length:  re.Length,
			Message: re.Message,
			Token:   re.Token,
		})
	}

	if raw.Root == nil {
		return t
	}

	// parent and slot say where the node's index goes once it is assigned.
	type pending struct {
		raw    *isolation.RawNode
		parent int
		slot   int
	}
	stack := []pending{{raw: raw.Root, parent: -1}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx := len(t.nodes)
		if p.parent >= 0 {
			t.nodes[p.parent].Children[p.slot].Node = idx
		}
		n := Node{
			RuleIndex:  p.raw.Rule.Index(),
			RuleName:   p.raw.Rule.Name(),
			StartToken: p.raw.Start,
			StopToken:  p.raw.Stop,
		}
		if len(p.raw.Children) > 0 {
			n.Children = make([]Child, len(p.raw.Children))
		}
		for i, c := range p.raw.Children {
			if c.Node != nil {
				n.Children[i] = Child{Node: -1, Token: -1}
				continue
			}
			n.Children[i] = Child{Node: -1, Token: c.Token, Error: c.Error}
		}
		t.nodes = append(t.nodes, n)

		for i := len(p.raw.Children) - 1; i >= 0; i-- {
			if c := p.raw.Children[i]; c.Node != nil {
				stack = append(stack, pending{raw: c.Node, parent: idx, slot: i})
			}
		}
	}
	return t
}
