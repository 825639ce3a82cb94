package isolation

// RawToken is a token as the scope's lexer produced it. Kind points into
// the scope's loaded lexer class.
type RawToken struct {
	Kind    *TokenKind
	Index   int // position in RawTree.Tokens
	Text    string
	Start   int // byte offset of the first byte
	Stop    int // byte offset of the last byte; Start-1 for EOF
	Line    int // 1-based
	Column  int // 0-based, in runes
	Channel int
}

// Type returns the token type, or EOFType.
func (t *RawToken) Type() int { return t.Kind.Type }

// RawChild is one child of a RawNode: either a nested node or a token.
type RawChild struct {
	Node  *RawNode
	Token int // index into RawTree.Tokens when Node is nil
	Error bool
}

// RawNode is one rule invocation. Rule points into the scope's loaded
// classes.
type RawNode struct {
	Rule     *RuleClass
	Start    int // first token index
	Stop     int // last token index; Start-1 when nothing was consumed
	Children []RawChild
}

// RawError is one lexer or parser error. Lexer errors carry a position but
// no offset; the proxy resolves it.
type RawError struct {
	Line    int
	Column  int
	Offset  int // -1 when unknown
	Length  int // 0 when unknown
	Token   int // offending token index, -1 for none
	Message string
}

// RawTree is the result of running a parser inside a scope. Everything in it
// belongs to the scope and must be detached before the scope goes away.
type RawTree struct {
	Root    *RawNode
	Tokens  []*RawToken
	Errors  []RawError
	Lexer   *LexerClass
	Adapter *AdapterClass
}

// GrammarHash returns the hash recorded in the adapter class.
func (t *RawTree) GrammarHash() string {
	return t.Adapter.Hash()
}

// TokenNames returns the symbolic token names indexed by token type. Index 0
// is unused.
func (t *RawTree) TokenNames() []string {
	return t.Lexer.TokenNames()
}
