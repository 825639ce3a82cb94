package grammar

import (
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Parser: recursive descent parser for grammar notation
// ---------------------------------------------------------------------------

// Parser parses grammar source into a Grammar.
type Parser struct {
	tokens    []Token
	pos       int
	curToken  Token
	peekToken Token
	source    string
	errors    ErrorList
	inLexer   bool // parsing the body of a lexer rule
}

// NewParser creates a parser over input. source names the file in errors.
func NewParser(source, input string) *Parser {
	p := &Parser{
		tokens: NewLexer(input).Tokenize(),
		source: source,
	}
	p.pos = -1
	p.nextToken()
	return p
}

// Parse parses a complete grammar file.
func Parse(source, input string) (*Grammar, ErrorList) {
	p := NewParser(source, input)
	g := p.ParseGrammar()
	return g, p.errors
}

func (p *Parser) nextToken() {
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	p.curToken = p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.peekToken = p.tokens[p.pos+1]
	} else {
		p.peekToken = p.curToken
	}
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) curKeyword(word string) bool {
	return p.curToken.Type == TokenRuleRef && p.curToken.Literal == word
}

// expect advances if the current token matches, otherwise records an error.
func (p *Parser) expect(t TokenType) bool {
	if p.curTokenIs(t) {
		p.nextToken()
		return true
	}
	p.unexpected("expected " + quoteType(t))
	return false
}

func (p *Parser) errorf(pos Position, format string, args ...interface{}) {
	p.errors = append(p.errors, errorAt(p.source, pos, format, args...))
}

// unexpected records an error at the current token.
func (p *Parser) unexpected(context string) {
	switch p.curToken.Type {
	case TokenError:
		p.errorf(p.curToken.Pos, "%s", p.curToken.Value)
	case TokenEOF:
		p.errorf(p.curToken.Pos, "%s, got end of file", context)
	default:
		p.errorf(p.curToken.Pos, "%s, got %q", context, p.curToken.Literal)
	}
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() ErrorList {
	return p.errors
}

func quoteType(t TokenType) string {
	switch t {
	case TokenRuleRef:
		return "rule name"
	case TokenTokenRef:
		return "token name"
	}
	return "'" + t.String() + "'"
}

// ---------------------------------------------------------------------------
// Top level
// ---------------------------------------------------------------------------

// ParseGrammar parses the header, prequel statements and rules.
func (p *Parser) ParseGrammar() *Grammar {
	g := &Grammar{Pos: p.curToken.Pos, Source: p.source}

	switch {
	case p.curKeyword("lexer"):
		g.Kind = KindLexer
		p.nextToken()
	case p.curKeyword("parser"):
		g.Kind = KindParser
		p.nextToken()
	}
	if !p.curKeyword("grammar") {
		p.unexpected("expected grammar declaration")
		return g
	}
	p.nextToken()
	if p.curTokenIs(TokenRuleRef) || p.curTokenIs(TokenTokenRef) {
		g.Name = p.curToken.Literal
		p.nextToken()
	} else {
		p.unexpected("expected grammar name")
		return g
	}
	if !p.expect(TokenSemicolon) {
		return g
	}

	for p.parsePrequel(g) {
	}

	for !p.curTokenIs(TokenEOF) {
		before := len(p.errors)
		r := p.parseRule()
		if len(p.errors) > before {
			p.synchronize()
			continue
		}
		if r != nil {
			r.Source = p.source
			g.Rules = append(g.Rules, r)
		}
	}
	return g
}

// parsePrequel parses one import, options or tokens statement. It reports
// whether one was present.
func (p *Parser) parsePrequel(g *Grammar) bool {
	switch {
	case p.curKeyword("import"):
		p.nextToken()
		for {
			if !p.curTokenIs(TokenRuleRef) && !p.curTokenIs(TokenTokenRef) {
				p.unexpected("expected grammar name")
				p.synchronize()
				return true
			}
			g.Imports = append(g.Imports, Import{Name: p.curToken.Literal, Pos: p.curToken.Pos})
			p.nextToken()
			if !p.curTokenIs(TokenComma) {
				break
			}
			p.nextToken()
		}
		if !p.expect(TokenSemicolon) {
			p.synchronize()
		}
		return true
	case (p.curKeyword("options") || p.curKeyword("tokens") || p.curKeyword("channels")) &&
		p.peekToken.Type == TokenAction:
		p.nextToken()
		p.nextToken()
		if p.curTokenIs(TokenSemicolon) {
			p.nextToken()
		}
		return true
	}
	return false
}

// synchronize skips past the next semicolon.
func (p *Parser) synchronize() {
	for !p.curTokenIs(TokenEOF) && !p.curTokenIs(TokenSemicolon) {
		p.nextToken()
	}
	if p.curTokenIs(TokenSemicolon) {
		p.nextToken()
	}
}

// parseRule parses `fragment? NAME : alternatives ;`.
func (p *Parser) parseRule() *Rule {
	r := &Rule{Pos: p.curToken.Pos}
	if p.curKeyword("fragment") {
		r.Fragment = true
		p.nextToken()
	}
	switch p.curToken.Type {
	case TokenRuleRef:
		if r.Fragment {
			p.errorf(p.curToken.Pos, "fragment %q must be a lexer rule", p.curToken.Literal)
			return nil
		}
	case TokenTokenRef:
	default:
		p.unexpected("expected rule name")
		return nil
	}
	r.Name = p.curToken.Literal
	r.Pos = p.curToken.Pos
	p.nextToken()

	if !p.expect(TokenColon) {
		return nil
	}
	p.inLexer = r.IsLexer()
	r.Body = p.parseAlternatives(r)
	if r.Body == nil {
		return nil
	}
	if !p.expect(TokenSemicolon) {
		return nil
	}
	return r
}

// ---------------------------------------------------------------------------
// Rule bodies
// ---------------------------------------------------------------------------

func (p *Parser) parseAlternatives(r *Rule) Expr {
	pos := p.curToken.Pos
	var alts []Expr
	for {
		alt := p.parseAlternative(r)
		if alt == nil {
			return nil
		}
		alts = append(alts, alt)
		if !p.curTokenIs(TokenOr) {
			break
		}
		p.nextToken()
	}
	if len(alts) == 1 {
		return alts[0]
	}
	return &Alternation{Pos: pos, Alts: alts}
}

func (p *Parser) parseAlternative(r *Rule) Expr {
	pos := p.curToken.Pos
	var items []Expr
loop:
	for {
		switch p.curToken.Type {
		case TokenOr, TokenRParen, TokenSemicolon, TokenArrow, TokenPound, TokenEOF:
			break loop
		case TokenAction:
			p.nextToken()
			if p.curTokenIs(TokenQuestion) {
				p.nextToken()
			}
			continue
		}
		el := p.parseElement()
		if el == nil {
			return nil
		}
		items = append(items, el)
	}

	if p.curTokenIs(TokenPound) {
		p.nextToken()
		if !p.curTokenIs(TokenRuleRef) && !p.curTokenIs(TokenTokenRef) {
			p.unexpected("expected alternative label")
			return nil
		}
		p.nextToken()
	}
	if p.curTokenIs(TokenArrow) {
		if !p.inLexer {
			p.errorf(p.curToken.Pos, "lexer commands are only allowed in lexer rules")
			return nil
		}
		if r == nil {
			p.errorf(p.curToken.Pos, "lexer commands are not allowed inside parentheses")
			return nil
		}
		p.nextToken()
		if !p.parseCommands(r) {
			return nil
		}
	}

	if len(items) == 1 {
		return items[0]
	}
	return &Sequence{Pos: pos, Items: items}
}

// parseCommands parses `name ('(' arg ')')? (',' ...)*`.
func (p *Parser) parseCommands(r *Rule) bool {
	for {
		if !p.curTokenIs(TokenRuleRef) {
			p.unexpected("expected lexer command")
			return false
		}
		cmd := Command{Name: p.curToken.Literal, Pos: p.curToken.Pos}
		p.nextToken()
		if p.curTokenIs(TokenLParen) {
			p.nextToken()
			if !p.curTokenIs(TokenTokenRef) && !p.curTokenIs(TokenRuleRef) {
				p.unexpected("expected command argument")
				return false
			}
			cmd.Arg = p.curToken.Literal
			p.nextToken()
			if !p.expect(TokenRParen) {
				return false
			}
		}
		r.Commands = append(r.Commands, cmd)
		if !p.curTokenIs(TokenComma) {
			return true
		}
		p.nextToken()
	}
}

// parseElement parses an optionally labelled atom with an optional suffix.
func (p *Parser) parseElement() Expr {
	if (p.curTokenIs(TokenRuleRef) || p.curTokenIs(TokenTokenRef)) &&
		(p.peekToken.Type == TokenAssign || p.peekToken.Type == TokenPlusAssign) {
		p.nextToken()
		p.nextToken()
	}

	atom := p.parseAtom()
	if atom == nil {
		return nil
	}

	var op RepeatOp
	switch p.curToken.Type {
	case TokenQuestion:
		op = Optional
	case TokenStar:
		op = ZeroOrMore
	case TokenPlus:
		op = OneOrMore
	default:
		return atom
	}
	rep := &Repeat{Pos: p.curToken.Pos, Op: op, Greedy: true, Expr: atom}
	p.nextToken()
	if p.curTokenIs(TokenQuestion) {
		rep.Greedy = false
		p.nextToken()
	}
	return rep
}

func (p *Parser) parseAtom() Expr {
	tok := p.curToken
	switch tok.Type {
	case TokenRuleRef:
		p.nextToken()
		return &RuleRef{Pos: tok.Pos, Name: tok.Literal}
	case TokenTokenRef:
		p.nextToken()
		return &TokenRef{Pos: tok.Pos, Name: tok.Literal}
	case TokenLiteral:
		p.nextToken()
		if tok.Value == "" {
			p.errorf(tok.Pos, "empty literal")
			return nil
		}
		if p.curTokenIs(TokenRange) {
			return p.parseRange(tok)
		}
		return &Literal{Pos: tok.Pos, Value: tok.Value}
	case TokenCharSet:
		p.nextToken()
		ranges, err := parseCharSet(tok.Value)
		if err != "" {
			p.errorf(tok.Pos, "%s", err)
			return nil
		}
		return &CharSet{Pos: tok.Pos, Ranges: ranges}
	case TokenDot:
		p.nextToken()
		return &Wildcard{Pos: tok.Pos}
	case TokenTilde:
		p.nextToken()
		inner := p.parseAtom()
		if inner == nil {
			return nil
		}
		return &Not{Pos: tok.Pos, Expr: inner}
	case TokenLParen:
		p.nextToken()
		body := p.parseAlternatives(nil)
		if body == nil {
			return nil
		}
		if !p.expect(TokenRParen) {
			return nil
		}
		return body
	}
	p.unexpected("expected rule element")
	return nil
}

// parseRange parses the tail of 'a'..'z'; lo has been consumed.
func (p *Parser) parseRange(lo Token) Expr {
	p.nextToken() // ..
	hi := p.curToken
	if !p.expect(TokenLiteral) {
		return nil
	}
	if utf8.RuneCountInString(lo.Value) != 1 || utf8.RuneCountInString(hi.Value) != 1 {
		p.errorf(lo.Pos, "range bounds must be single characters")
		return nil
	}
	l, _ := utf8.DecodeRuneInString(lo.Value)
	h, _ := utf8.DecodeRuneInString(hi.Value)
	if l > h {
		p.errorf(lo.Pos, "invalid range %s..%s", lo.Literal, hi.Literal)
		return nil
	}
	return &CharSet{Pos: lo.Pos, Ranges: []CharRange{{Lo: l, Hi: h}}}
}

// parseCharSet interprets the text between the brackets of a character set.
// It returns a non-empty message on malformed input.
func parseCharSet(raw string) ([]CharRange, string) {
	runes := []rune(raw)
	next := func(i int) (rune, int, string) {
		if runes[i] != '\\' {
			return runes[i], i + 1, ""
		}
		if i+1 >= len(runes) {
			return 0, i, "dangling escape in character set"
		}
		switch c := runes[i+1]; c {
		case 'n':
			return '\n', i + 2, ""
		case 'r':
			return '\r', i + 2, ""
		case 't':
			return '\t', i + 2, ""
		case 'b':
			return '\b', i + 2, ""
		case 'f':
			return '\f', i + 2, ""
		case 'u':
			if i+6 > len(runes) {
				return 0, i, "truncated \\u escape in character set"
			}
			var v rune
			for _, h := range runes[i+2 : i+6] {
				d := hexDigit(h)
				if d < 0 {
					return 0, i, "invalid \\u escape in character set"
				}
				v = v*16 + rune(d)
			}
			return v, i + 6, ""
		default:
			return c, i + 2, ""
		}
	}

	var ranges []CharRange
	for i := 0; i < len(runes); {
		lo, j, err := next(i)
		if err != "" {
			return nil, err
		}
		hi := lo
		if j+1 < len(runes) && runes[j] == '-' {
			hi, j, err = next(j + 1)
			if err != "" {
				return nil, err
			}
			if hi < lo {
				return nil, "reversed range in character set"
			}
		}
		ranges = append(ranges, CharRange{Lo: lo, Hi: hi})
		i = j
	}
	if len(ranges) == 0 {
		return nil, "empty character set"
	}
	return ranges, ""
}

func hexDigit(r rune) int {
	switch {
	case r >= '0' && r <= '9':
		return int(r - '0')
	case r >= 'a' && r <= 'f':
		return int(r-'a') + 10
	case r >= 'A' && r <= 'F':
		return int(r-'A') + 10
	}
	return -1
}
