package gsrc

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/chazu/gramlab/compiler"
)

// Diagnostic codes.
const (
	CodeUnreadable     = "GS000"
	CodeMalformed      = "GS001"
	CodeUnknownRule    = "GS002"
	CodeUnknownToken   = "GS003"
	CodeLeftRecursion  = "GS004"
	CodeEmptyClosure   = "GS005"
	CodeInvalidPattern = "GS006"
	CodeEmptyPattern   = "GS007"
	CodeUnreachable    = "GS101"
	CodeUnusedToken    = "GS102"
)

// eofName is the token every grammar may match without declaring it.
const eofName = "EOF"

// model groups the decoded units of one grammar.
type model struct {
	name    string
	lexer   *Unit
	adapter *Unit
	rules   map[string]*Unit
	units   []*Unit // path order

	tokens   map[string]int // name -> type
	nullable map[string]bool
}

func newModel(name string) *model {
	return &model{
		name:     name,
		rules:    make(map[string]*Unit),
		tokens:   make(map[string]int),
		nullable: make(map[string]bool),
	}
}

// analysis collects the diagnostics of one grammar, per source path.
type analysis struct {
	m     *model
	diags map[string][]compiler.Diagnostic
	bad   map[string]bool // paths with blocking diagnostics
	pats  map[string]*regexp.Regexp
}

func analyze(m *model) *analysis {
	a := &analysis{
		m:     m,
		diags: make(map[string][]compiler.Diagnostic),
		bad:   make(map[string]bool),
		pats:  make(map[string]*regexp.Regexp),
	}
	a.checkStructure()
	a.checkTokens()
	a.checkReferences()
	a.computeNullable()
	a.checkClosures()
	a.checkLeftRecursion()
	a.checkReachability()
	return a
}

func (a *analysis) report(path string, sev compiler.Severity, code string, line, col int, format string, args ...interface{}) {
	a.diags[path] = append(a.diags[path], compiler.Diagnostic{
		Severity: sev,
		Code:     code,
		Path:     path,
		Line:     line,
		Column:   col,
		Message:  fmt.Sprintf(format, args...),
	})
	if sev.Blocking() {
		a.bad[path] = true
	}
}

func (a *analysis) checkStructure() {
	m := a.m
	anchor := ""
	if len(m.units) > 0 {
		anchor = m.units[0].Path
	}
	if m.lexer == nil {
		a.report(anchor, compiler.SeverityError, CodeMalformed, 0, 0, "grammar %s has no lexer source", m.name)
	}
	if m.adapter == nil {
		a.report(anchor, compiler.SeverityError, CodeMalformed, 0, 0, "grammar %s has no adapter source", m.name)
		return
	}
	ad := m.adapter.Adapter
	if _, ok := m.rules[ad.Entry]; !ok {
		a.report(m.adapter.Path, compiler.SeverityError, CodeUnknownRule, ad.Line, ad.Column, "entry rule %s is not defined", ad.Entry)
	}
	for i, name := range ad.Rules {
		u, ok := m.rules[name]
		if !ok {
			a.report(m.adapter.Path, compiler.SeverityError, CodeUnknownRule, ad.Line, ad.Column, "adapter lists undefined rule %s", name)
			continue
		}
		if u.Rule.Index != i {
			a.report(u.Path, compiler.SeverityError, CodeMalformed, u.Rule.Line, u.Rule.Column,
				"rule %s has index %d, adapter lists it at %d", name, u.Rule.Index, i)
		}
	}
	if len(ad.Rules) != len(m.rules) {
		a.report(m.adapter.Path, compiler.SeverityError, CodeMalformed, ad.Line, ad.Column,
			"adapter lists %d rules, grammar has %d", len(ad.Rules), len(m.rules))
	}
}

func (a *analysis) checkTokens() {
	if a.m.lexer == nil {
		return
	}
	lx := a.m.lexer
	types := make(map[int]string)
	for _, td := range lx.Lexer.Tokens {
		pos := lx.Lexer.Lines[td.Name]
		if prev, dup := types[td.Type]; dup || td.Type <= 0 {
			a.report(lx.Path, compiler.SeverityError, CodeMalformed, pos[0], pos[1], "token %s reuses type %d of %s", td.Name, td.Type, prev)
			continue
		}
		if _, dup := a.m.tokens[td.Name]; dup || td.Name == eofName {
			a.report(lx.Path, compiler.SeverityError, CodeMalformed, pos[0], pos[1], "token %s defined twice", td.Name)
			continue
		}
		types[td.Type] = td.Name
		a.m.tokens[td.Name] = td.Type

		re, err := regexp.Compile(td.Pattern)
		if err != nil {
			a.report(lx.Path, compiler.SeverityError, CodeInvalidPattern, pos[0], pos[1], "token %s: invalid pattern: %v", td.Name, err)
			continue
		}
		if whole := regexp.MustCompile(`^(?:` + td.Pattern + `)$`); whole.MatchString("") {
			a.report(lx.Path, compiler.SeverityError, CodeEmptyPattern, pos[0], pos[1], "token %s matches the empty string", td.Name)
			continue
		}
		re.Longest()
		a.pats[td.Name] = re
	}
}

func (a *analysis) eachRule(fn func(u *Unit)) {
	for _, u := range a.m.units {
		if u.Rule != nil {
			fn(u)
		}
	}
}

func walkExpr(e *Expr, fn func(*Expr)) {
	fn(e)
	for _, k := range e.Kids {
		walkExpr(k, fn)
	}
}

func (a *analysis) checkReferences() {
	a.eachRule(func(u *Unit) {
		walkExpr(u.Rule.Body, func(e *Expr) {
			switch e.Op {
			case "ref":
				if _, ok := a.m.rules[e.Name]; !ok {
					a.report(u.Path, compiler.SeverityError, CodeUnknownRule, e.Line, e.Column, "unknown rule %s", e.Name)
				}
			case "tok":
				if _, ok := a.m.tokens[e.Name]; !ok && e.Name != eofName {
					a.report(u.Path, compiler.SeverityError, CodeUnknownToken, e.Line, e.Column, "unknown token %s", e.Name)
				}
			}
		})
	})
}

// computeNullable finds the rules that can succeed without consuming input.
func (a *analysis) computeNullable() {
	for changed := true; changed; {
		changed = false
		a.eachRule(func(u *Unit) {
			if !a.m.nullable[u.Rule.Name] && a.isNullable(u.Rule.Body) {
				a.m.nullable[u.Rule.Name] = true
				changed = true
			}
		})
	}
}

func (a *analysis) isNullable(e *Expr) bool {
	switch e.Op {
	case "any", "tok":
		return false
	case "ref":
		return a.m.nullable[e.Name]
	case "seq":
		for _, k := range e.Kids {
			if !a.isNullable(k) {
				return false
			}
		}
		return true
	case "alt":
		for _, k := range e.Kids {
			if a.isNullable(k) {
				return true
			}
		}
		return false
	case "star", "opt":
		return true
	case "plus":
		return a.isNullable(e.Kids[0])
	}
	return false
}

func (a *analysis) checkClosures() {
	a.eachRule(func(u *Unit) {
		walkExpr(u.Rule.Body, func(e *Expr) {
			if (e.Op == "star" || e.Op == "plus") && a.isNullable(e.Kids[0]) {
				a.report(u.Path, compiler.SeverityError, CodeEmptyClosure, e.Line, e.Column,
					"closure operand in rule %s can match the empty string", u.Rule.Name)
			}
		})
	})
}

// leftRefs returns the rules e may call before consuming any token.
func (a *analysis) leftRefs(e *Expr, out map[string]bool) {
	switch e.Op {
	case "ref":
		out[e.Name] = true
	case "seq":
		for _, k := range e.Kids {
			a.leftRefs(k, out)
			if !a.isNullable(k) {
				return
			}
		}
	case "alt", "star", "plus", "opt":
		for _, k := range e.Kids {
			a.leftRefs(k, out)
		}
	}
}

func (a *analysis) checkLeftRecursion() {
	left := make(map[string]map[string]bool)
	a.eachRule(func(u *Unit) {
		refs := make(map[string]bool)
		a.leftRefs(u.Rule.Body, refs)
		left[u.Rule.Name] = refs
	})
	a.eachRule(func(u *Unit) {
		start := u.Rule.Name
		seen := make(map[string]bool)
		stack := sortedKeys(left[start])
		for len(stack) > 0 {
			r := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if r == start {
				a.report(u.Path, compiler.SeverityError, CodeLeftRecursion, u.Rule.Line, u.Rule.Column,
					"rule %s is left-recursive", start)
				return
			}
			if seen[r] {
				continue
			}
			seen[r] = true
			stack = append(stack, sortedKeys(left[r])...)
		}
	})
}

func (a *analysis) checkReachability() {
	m := a.m
	if m.adapter == nil {
		return
	}
	reached := make(map[string]bool)
	queue := []string{m.adapter.Adapter.Entry}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		u, ok := m.rules[name]
		if !ok || reached[name] {
			continue
		}
		reached[name] = true
		walkExpr(u.Rule.Body, func(e *Expr) {
			if e.Op == "ref" {
				queue = append(queue, e.Name)
			}
		})
	}
	a.eachRule(func(u *Unit) {
		if !reached[u.Rule.Name] {
			a.report(u.Path, compiler.SeverityWarning, CodeUnreachable, u.Rule.Line, u.Rule.Column,
				"rule %s is unreachable from %s", u.Rule.Name, m.adapter.Adapter.Entry)
		}
	})
	if m.lexer == nil {
		return
	}
	usedTokens := make(map[string]bool)
	a.eachRule(func(u *Unit) {
		walkExpr(u.Rule.Body, func(e *Expr) {
			if e.Op == "tok" {
				usedTokens[e.Name] = true
			}
		})
	})
	for _, td := range m.lexer.Lexer.Tokens {
		if td.Skip || td.Channel != 0 || usedTokens[td.Name] {
			continue
		}
		pos := m.lexer.Lexer.Lines[td.Name]
		a.report(m.lexer.Path, compiler.SeverityInfo, CodeUnusedToken, pos[0], pos[1], "token %s is not used by any rule", td.Name)
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
