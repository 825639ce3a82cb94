package grammar

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/vfs"
)

// ---------------------------------------------------------------------------
// Generator: merged grammar -> generated sources
// ---------------------------------------------------------------------------

// Options control generation.
type Options struct {
	// Start names the entry rule. Empty selects the first parser rule.
	Start string
}

// File is one generated source.
type File struct {
	Path    string
	Content []byte
}

// Output is the result of a successful generation.
type Output struct {
	Grammar string
	Hash    string // unit fingerprint
	Entry   string
	Rules   []string // parser rules; position is the rule index
	Tokens  []bytecode.TokenDef
	Files   []File // lexer, rules in index order, adapter
}

// Paths of generated sources relative to the generated-source location.
func LexerPath(grammar string) string   { return path.Join(grammar, grammar+"Lexer"+bytecode.SourceSuffix) }
func AdapterPath(grammar string) string { return path.Join(grammar, grammar+"Adapter"+bytecode.SourceSuffix) }
func RulePath(grammar, rule string) string {
	return path.Join(grammar, "rules", rule+bytecode.SourceSuffix)
}

type generator struct {
	u        *Unit
	rules    map[string]*Rule
	literals map[string]string // literal value -> token name
	errors   ErrorList
}

// Generate produces the lexer, rule and adapter sources for a loaded unit.
// Output is a pure function of the unit and options.
func Generate(u *Unit, opts Options) (*Output, ErrorList) {
	g := &generator{
		u:        u,
		rules:    make(map[string]*Rule),
		literals: make(map[string]string),
	}
	for _, r := range u.Merged.Rules {
		g.rules[r.Name] = r
	}

	name := u.Merged.Name
	parserRules := u.Merged.ParserRules()
	if len(parserRules) == 0 {
		return nil, ErrorList{errorAt(u.Main.Source, u.Main.Pos, "grammar %s has no parser rules", name)}
	}
	out := &Output{
		Grammar: name,
		Hash:    u.Fingerprint(),
		Entry:   parserRules[0].Name,
	}
	if opts.Start != "" {
		if r := g.rules[opts.Start]; r == nil || r.IsLexer() {
			return nil, ErrorList{errorAt(u.Main.Source, u.Main.Pos, "start rule %s is not a parser rule", opts.Start)}
		}
		out.Entry = opts.Start
	}
	for _, r := range parserRules {
		out.Rules = append(out.Rules, r.Name)
	}

	out.Tokens = g.tokens(parserRules)
	if len(g.errors) > 0 {
		g.errors.Sort()
		return nil, g.errors
	}

	out.Files = append(out.Files, File{Path: LexerPath(name), Content: g.emitLexer(name, out.Tokens)})
	for i, r := range parserRules {
		out.Files = append(out.Files, File{Path: RulePath(name, r.Name), Content: g.emitRule(r, i)})
	}
	out.Files = append(out.Files, File{Path: AdapterPath(name), Content: g.emitAdapter(out)})
	return out, nil
}

// tokens assigns token types: implicit literal tokens first, in order of
// first use, then named lexer rules in definition order. The lexer breaks
// equal-length ties in favour of lower types, so keywords beat identifiers.
func (g *generator) tokens(parserRules []*Rule) []bytecode.TokenDef {
	var defs []bytecode.TokenDef

	for _, r := range g.u.Merged.LexerRules() {
		if lit, ok := r.Body.(*Literal); ok && !r.Fragment && len(r.Commands) == 0 {
			if _, taken := g.literals[lit.Value]; !taken {
				g.literals[lit.Value] = r.Name
			}
		}
	}

	implicit := 0
	for _, r := range parserRules {
		Walk(r.Body, func(e Expr) {
			lit, ok := e.(*Literal)
			if !ok {
				return
			}
			if _, known := g.literals[lit.Value]; known {
				return
			}
			name := fmt.Sprintf("T__%d", implicit)
			implicit++
			g.literals[lit.Value] = name
			defs = append(defs, bytecode.TokenDef{
				Type:    len(defs) + 1,
				Name:    name,
				Pattern: regexp.QuoteMeta(lit.Value),
				Display: displayLiteral(lit.Value),
			})
		})
	}

	for _, r := range g.u.Merged.LexerRules() {
		if r.Fragment {
			continue
		}
		pattern, err := g.pattern(r.Body, map[string]bool{r.Name: true})
		if err != nil {
			g.errors = append(g.errors, errorAt(r.Source, r.Pos, "token %s: %v", r.Name, err))
			continue
		}
		def := bytecode.TokenDef{
			Type:    len(defs) + 1,
			Name:    r.Name,
			Pattern: pattern,
		}
		if lit, ok := r.Body.(*Literal); ok {
			def.Display = displayLiteral(lit.Value)
		}
		for _, cmd := range r.Commands {
			switch cmd.Name {
			case "skip":
				def.Skip = true
			case "channel":
				def.Channel = channelNames[cmd.Arg]
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// pattern translates a lexer rule body into Go regexp syntax. stack holds
// the rules being expanded.
func (g *generator) pattern(e Expr, stack map[string]bool) (string, error) {
	switch n := e.(type) {
	case *Literal:
		return regexp.QuoteMeta(n.Value), nil
	case *CharSet:
		return renderClass(n.Ranges, false), nil
	case *Wildcard:
		return `(?s:.)`, nil
	case *Not:
		ranges, ok := NewAnalyzer(g.u.Merged).setRanges(n.Expr, nil)
		if !ok {
			return "", fmt.Errorf("~ applies only to character sets")
		}
		return renderClass(ranges, true), nil
	case *Sequence:
		var sb strings.Builder
		for _, it := range n.Items {
			p, err := g.pattern(it, stack)
			if err != nil {
				return "", err
			}
			sb.WriteString(p)
		}
		return sb.String(), nil
	case *Alternation:
		parts := make([]string, len(n.Alts))
		for i, alt := range n.Alts {
			p, err := g.pattern(alt, stack)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return "(?:" + strings.Join(parts, "|") + ")", nil
	case *Repeat:
		p, err := g.pattern(n.Expr, stack)
		if err != nil {
			return "", err
		}
		s := "(?:" + p + ")" + n.Op.String()
		if !n.Greedy {
			s += "?"
		}
		return s, nil
	case *TokenRef:
		if stack[n.Name] {
			return "", fmt.Errorf("recursive reference to %s", n.Name)
		}
		target := g.rules[n.Name]
		if target == nil || !target.IsLexer() {
			return "", fmt.Errorf("undefined token %s", n.Name)
		}
		stack[n.Name] = true
		defer delete(stack, n.Name)
		p, err := g.pattern(target.Body, stack)
		if err != nil {
			return "", err
		}
		return "(?:" + p + ")", nil
	}
	return "", fmt.Errorf("unsupported element at %s", e.Position())
}

func renderClass(ranges []CharRange, negated bool) string {
	var sb strings.Builder
	sb.WriteByte('[')
	if negated {
		sb.WriteByte('^')
	}
	for _, r := range ranges {
		sb.WriteString(classRune(r.Lo))
		if r.Hi != r.Lo {
			sb.WriteByte('-')
			sb.WriteString(classRune(r.Hi))
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

func classRune(r rune) string {
	if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
		return string(r)
	}
	return fmt.Sprintf(`\x{%X}`, r)
}

var displayEscaper = strings.NewReplacer("\\", `\\`, "\n", `\n`, "\r", `\r`, "\t", `\t`, "'", `\'`)

func displayLiteral(v string) string {
	return "'" + displayEscaper.Replace(v) + "'"
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (g *generator) header(sb *strings.Builder) {
	fmt.Fprintf(sb, "; Code generated by gramlab from grammar %s. DO NOT EDIT.\n", g.u.Merged.Name)
}

func (g *generator) emitLexer(name string, tokens []bytecode.TokenDef) []byte {
	var sb strings.Builder
	g.header(&sb)
	fmt.Fprintf(&sb, "(lexer %s", name)
	for _, t := range tokens {
		fmt.Fprintf(&sb, "\n  (token %d %s %s", t.Type, t.Name, strconv.Quote(t.Pattern))
		if t.Skip {
			sb.WriteString(" skip")
		}
		if t.Channel != 0 {
			fmt.Fprintf(&sb, " (channel %d)", t.Channel)
		}
		if t.Display != "" {
			fmt.Fprintf(&sb, " (display %s)", strconv.Quote(t.Display))
		}
		sb.WriteString(")")
	}
	sb.WriteString(")\n")
	return []byte(sb.String())
}

func (g *generator) emitRule(r *Rule, index int) []byte {
	var sb strings.Builder
	g.header(&sb)
	fmt.Fprintf(&sb, "(rule %s %d\n  ", r.Name, index)
	g.emitBody(&sb, r.Body)
	sb.WriteString(")\n")
	return []byte(sb.String())
}

func (g *generator) emitBody(sb *strings.Builder, e Expr) {
	list := func(head string, items []Expr) {
		sb.WriteString("(" + head)
		for _, it := range items {
			sb.WriteByte(' ')
			g.emitBody(sb, it)
		}
		sb.WriteByte(')')
	}
	switch n := e.(type) {
	case *Alternation:
		list("alt", n.Alts)
	case *Sequence:
		list("seq", n.Items)
	case *Repeat:
		switch n.Op {
		case Optional:
			list("opt", []Expr{n.Expr})
		case ZeroOrMore:
			list("star", []Expr{n.Expr})
		default:
			list("plus", []Expr{n.Expr})
		}
	case *RuleRef:
		fmt.Fprintf(sb, "(ref %s)", n.Name)
	case *TokenRef:
		fmt.Fprintf(sb, "(tok %s)", n.Name)
	case *Literal:
		fmt.Fprintf(sb, "(tok %s)", g.literals[n.Value])
	case *Wildcard:
		sb.WriteString("any")
	}
}

func (g *generator) emitAdapter(out *Output) []byte {
	var sb strings.Builder
	g.header(&sb)
	fmt.Fprintf(&sb, "(adapter %s\n  (hash %s)\n  (entry %s)\n  (rules", out.Grammar, strconv.Quote(out.Hash), out.Entry)
	for _, r := range out.Rules {
		sb.WriteString(" " + r)
	}
	sb.WriteString("))\n")
	return []byte(sb.String())
}

// Sync writes the generated files into loc and deletes every other file
// there, returning the deleted paths. Unchanged files are rewritten; the
// change tracker's digest comparison treats them as unchanged.
func (o *Output) Sync(fs *vfs.FS, loc vfs.Location) []string {
	want := make(map[string]bool, len(o.Files))
	for _, f := range o.Files {
		fs.Write(loc, f.Path, f.Content)
		want[f.Path] = true
	}
	var removed []string
	for _, f := range fs.List(loc, "") {
		if !want[f.Path] {
			fs.Delete(loc, f.Path)
			removed = append(removed, f.Path)
		}
	}
	return removed
}
