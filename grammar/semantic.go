package grammar

import (
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Semantic analysis: checks on a merged grammar before generation
// ---------------------------------------------------------------------------

// EOFName is the predefined end-of-input token.
const EOFName = "EOF"

// Lexer channels understood by channel(...).
var channelNames = map[string]int{
	"DEFAULT_TOKEN_CHANNEL": 0,
	"HIDDEN":                1,
}

// Analyzer checks references, lexer commands and lexer rule cycles.
type Analyzer struct {
	g      *Grammar
	rules  map[string]*Rule
	errors ErrorList
}

// NewAnalyzer creates an analyzer for a merged grammar.
func NewAnalyzer(g *Grammar) *Analyzer {
	a := &Analyzer{g: g, rules: make(map[string]*Rule, len(g.Rules))}
	for _, r := range g.Rules {
		if _, dup := a.rules[r.Name]; !dup {
			a.rules[r.Name] = r
		}
	}
	return a
}

// Check runs every check and returns the errors found.
func Check(g *Grammar) ErrorList {
	return NewAnalyzer(g).Analyze()
}

func (a *Analyzer) errorAt(r *Rule, pos Position, format string, args ...interface{}) {
	a.errors = append(a.errors, errorAt(r.Source, pos, format, args...))
}

// Analyze performs all checks.
func (a *Analyzer) Analyze() ErrorList {
	var parserRules int
	for _, r := range a.g.Rules {
		if r.IsLexer() {
			a.checkLexerRule(r)
		} else {
			parserRules++
			a.checkParserRule(r)
		}
	}
	if a.g.Kind != KindLexer && parserRules == 0 {
		a.errors = append(a.errors, errorAt(a.g.Source, a.g.Pos, "grammar %s has no parser rules", a.g.Name))
	}
	if a.g.Kind == KindLexer && parserRules > 0 {
		a.errors = append(a.errors, errorAt(a.g.Source, a.g.Pos, "lexer grammar %s cannot contain parser rules", a.g.Name))
	}
	a.checkLexerCycles()
	return a.errors
}

func (a *Analyzer) checkParserRule(r *Rule) {
	Walk(r.Body, func(e Expr) {
		switch n := e.(type) {
		case *RuleRef:
			if a.rules[n.Name] == nil {
				a.errorAt(r, n.Pos, "reference to undefined rule %s", n.Name)
			}
		case *TokenRef:
			if n.Name == EOFName {
				return
			}
			target := a.rules[n.Name]
			switch {
			case target == nil:
				a.errorAt(r, n.Pos, "reference to undefined token %s", n.Name)
			case target.Fragment:
				a.errorAt(r, n.Pos, "parser rule %s cannot reference fragment %s", r.Name, n.Name)
			}
		case *CharSet, *Not:
			a.errorAt(r, e.Position(), "character sets are only allowed in lexer rules")
		}
	})
}

func (a *Analyzer) checkLexerRule(r *Rule) {
	Walk(r.Body, func(e Expr) {
		switch n := e.(type) {
		case *RuleRef:
			a.errorAt(r, n.Pos, "lexer rule %s cannot reference parser rule %s", r.Name, n.Name)
		case *TokenRef:
			if n.Name == EOFName {
				a.errorAt(r, n.Pos, "lexer rule %s cannot reference EOF", r.Name)
			} else if a.rules[n.Name] == nil {
				a.errorAt(r, n.Pos, "reference to undefined token %s", n.Name)
			}
		case *Not:
			if _, ok := a.setRanges(n.Expr, nil); !ok {
				a.errorAt(r, n.Pos, "~ applies only to character sets and single characters")
			}
		}
	})

	if r.Fragment && len(r.Commands) > 0 {
		a.errorAt(r, r.Commands[0].Pos, "fragment %s cannot have lexer commands", r.Name)
		return
	}
	for _, cmd := range r.Commands {
		switch cmd.Name {
		case "skip":
			if cmd.Arg != "" {
				a.errorAt(r, cmd.Pos, "skip takes no argument")
			}
		case "channel":
			if _, ok := channelNames[cmd.Arg]; !ok {
				a.errorAt(r, cmd.Pos, "unknown channel %q", cmd.Arg)
			}
		default:
			a.errorAt(r, cmd.Pos, "unsupported lexer command %q", cmd.Name)
		}
	}
}

// setRanges returns the characters e matches when e denotes a set of single
// characters.
func (a *Analyzer) setRanges(e Expr, seen map[string]bool) ([]CharRange, bool) {
	switch n := e.(type) {
	case *CharSet:
		return n.Ranges, true
	case *Literal:
		if utf8.RuneCountInString(n.Value) != 1 {
			return nil, false
		}
		r, _ := utf8.DecodeRuneInString(n.Value)
		return []CharRange{{Lo: r, Hi: r}}, true
	case *Alternation:
		var out []CharRange
		for _, alt := range n.Alts {
			rs, ok := a.setRanges(alt, seen)
			if !ok {
				return nil, false
			}
			out = append(out, rs...)
		}
		return out, true
	case *TokenRef:
		target := a.rules[n.Name]
		if target == nil || seen[n.Name] {
			return nil, false
		}
		if seen == nil {
			seen = make(map[string]bool)
		}
		seen[n.Name] = true
		return a.setRanges(target.Body, seen)
	}
	return nil, false
}

// checkLexerCycles reports lexer rules that reference themselves directly or
// through other lexer rules; their patterns cannot be expanded.
func (a *Analyzer) checkLexerCycles() {
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int)
	var visit func(r *Rule) bool
	visit = func(r *Rule) bool {
		switch state[r.Name] {
		case active:
			return true
		case done:
			return false
		}
		state[r.Name] = active
		cyclic := false
		Walk(r.Body, func(e Expr) {
			if ref, ok := e.(*TokenRef); ok && !cyclic {
				if target := a.rules[ref.Name]; target != nil && target.IsLexer() && visit(target) {
					cyclic = true
				}
			}
		})
		state[r.Name] = done
		return cyclic
	}
	for _, r := range a.g.Rules {
		if r.IsLexer() && state[r.Name] == unvisited && visit(r) {
			a.errorAt(r, r.Pos, "lexer rule %s is recursive", r.Name)
		}
	}
}
