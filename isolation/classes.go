package isolation

import (
	"fmt"
	"regexp"

	"github.com/chazu/gramlab/pkg/bytecode"
)

// Class is anything a Loader can resolve by name.
type Class interface {
	ClassName() string
}

// EOFType is the token type of the end-of-input token.
const EOFType = -1

// ---------------------------------------------------------------------------
// Token kinds and lexer classes
// ---------------------------------------------------------------------------

// TokenKind is one token type of a loaded lexer, or a shared token such as
// EOF.
type TokenKind struct {
	Type    int
	Name    string
	Display string
	Skip    bool
	Channel int

	re *regexp.Regexp
}

func (k *TokenKind) ClassName() string { return k.Name }

// DisplayName is the spelling used in error messages: the literal for
// literal tokens, the symbolic name otherwise.
func (k *TokenKind) DisplayName() string {
	if k.Display != "" {
		return k.Display
	}
	return k.Name
}

// LexerClass is a loaded lexer: token kinds in type order with compiled
// patterns.
type LexerClass struct {
	grammar string
	kinds   []*TokenKind
	byName  map[string]*TokenKind
	byType  map[int]*TokenKind
	eof     *TokenKind
	linked  bool
}

func (lc *LexerClass) ClassName() string { return lc.grammar + "Lexer" }

// Kinds returns the token kinds in type order.
func (lc *LexerClass) Kinds() []*TokenKind { return lc.kinds }

// TokenNames returns symbolic names indexed by token type; index 0 is empty.
func (lc *LexerClass) TokenNames() []string {
	max := 0
	for _, k := range lc.kinds {
		if k.Type > max {
			max = k.Type
		}
	}
	names := make([]string, max+1)
	for _, k := range lc.kinds {
		names[k.Type] = k.Name
	}
	return names
}

func (lc *LexerClass) kindOf(typ int) *TokenKind {
	if typ == EOFType {
		return lc.eof
	}
	return lc.byType[typ]
}

func defineLexer(cf *bytecode.ClassFile) (*LexerClass, error) {
	lc := &LexerClass{
		grammar: cf.Grammar,
		byName:  make(map[string]*TokenKind, len(cf.Tokens)),
		byType:  make(map[int]*TokenKind, len(cf.Tokens)),
	}
	for _, td := range cf.Tokens {
		re, err := regexp.Compile(`^(?:` + td.Pattern + `)`)
		if err != nil {
			return nil, &LinkError{Class: lc.ClassName(), Message: fmt.Sprintf("token %s: %v", td.Name, err)}
		}
		// Alternatives inside one token compete by length, like whole tokens do.
		re.Longest()
		k := &TokenKind{
			Type:    td.Type,
			Name:    td.Name,
			Display: td.Display,
			Skip:    td.Skip,
			Channel: td.Channel,
			re:      re,
		}
		lc.kinds = append(lc.kinds, k)
		lc.byName[k.Name] = k
		lc.byType[k.Type] = k
	}
	return lc, nil
}

// ---------------------------------------------------------------------------
// Rule classes
// ---------------------------------------------------------------------------

// RuleClass is one loaded parser rule. After linking, every constant used
// by OpCall has a target rule and every constant used by OpMatch a token
// type.
type RuleClass struct {
	name  string
	index int
	chunk *bytecode.Chunk

	calls  []*RuleClass
	types  []int
	linked bool
}

func (r *RuleClass) ClassName() string { return r.name }

// Name returns the rule name.
func (r *RuleClass) Name() string { return r.name }

// Index returns the rule's position in the adapter's rule list.
func (r *RuleClass) Index() int { return r.index }

func defineRule(cf *bytecode.ClassFile) *RuleClass {
	return &RuleClass{name: cf.Name, index: cf.Index, chunk: cf.Chunk}
}

// ---------------------------------------------------------------------------
// Adapter classes
// ---------------------------------------------------------------------------

// AdapterClass is the loaded entry point of a grammar. Once linked it ties
// together the lexer, the rules and the runtime limits.
type AdapterClass struct {
	grammar string
	hash    string
	entry   string
	names   []string

	rules   []*RuleClass
	byName  map[string]*RuleClass
	lexer   *LexerClass
	runtime *RuntimeClass
	linked  bool
}

func (a *AdapterClass) ClassName() string { return a.grammar + "Adapter" }

// Hash returns the grammar hash recorded at generation time.
func (a *AdapterClass) Hash() string { return a.hash }

// Entry returns the default start rule.
func (a *AdapterClass) Entry() string { return a.entry }

// Rule returns a linked rule by name.
func (a *AdapterClass) Rule(name string) (*RuleClass, bool) {
	r, ok := a.byName[name]
	return r, ok
}

func defineAdapter(cf *bytecode.ClassFile) *AdapterClass {
	return &AdapterClass{
		grammar: cf.Grammar,
		hash:    cf.GrammarHash,
		entry:   cf.Entry,
		names:   append([]string(nil), cf.Rules...),
	}
}
