package bytecode

import (
	"fmt"
	"strings"
)

// File suffixes for generated sources and the class files compiled from them.
const (
	SourceSuffix = ".gsrc"
	ClassSuffix  = ".gclass"
)

// ClassPath maps a generated source path to the class file path it
// compiles to.
func ClassPath(sourcePath string) string {
	return strings.TrimSuffix(sourcePath, SourceSuffix) + ClassSuffix
}

// SourcePath is the inverse of ClassPath.
func SourcePath(classPath string) string {
	return strings.TrimSuffix(classPath, ClassSuffix) + SourceSuffix
}

// ClassKind distinguishes the three kinds of class file.
type ClassKind uint8

const (
	ClassRule ClassKind = iota + 1
	ClassLexer
	ClassAdapter
)

// String returns a human-readable name for the kind.
func (k ClassKind) String() string {
	switch k {
	case ClassRule:
		return "rule"
	case ClassLexer:
		return "lexer"
	case ClassAdapter:
		return "adapter"
	default:
		return fmt.Sprintf("ClassKind(%d)", k)
	}
}

// HiddenChannel is the channel number of `-> channel(HIDDEN)` tokens.
const HiddenChannel = 1

// TokenDef describes one token type of a lexer class.
type TokenDef struct {
	Type    int    `cbor:"1,keyasint"`
	Name    string `cbor:"2,keyasint"`
	Pattern string `cbor:"3,keyasint"` // Go regexp syntax, unanchored
	Skip    bool   `cbor:"4,keyasint,omitempty"`
	Channel int    `cbor:"5,keyasint,omitempty"`
	Display string `cbor:"6,keyasint,omitempty"` // literal spelling such as "';'"
}

// ClassFile is the artifact the toolchain writes for one generated source.
type ClassFile struct {
	Magic   string    `cbor:"1,keyasint"`
	Version uint16    `cbor:"2,keyasint"`
	Kind    ClassKind `cbor:"3,keyasint"`
	Name    string    `cbor:"4,keyasint"` // rule name, or grammar name for lexer/adapter
	Grammar string    `cbor:"5,keyasint"`
	Source  string    `cbor:"6,keyasint"` // generated source path

	// ClassRule
	Index int    `cbor:"7,keyasint,omitempty"`
	Chunk *Chunk `cbor:"8,keyasint,omitempty"`

	// ClassLexer
	Tokens []TokenDef `cbor:"9,keyasint,omitempty"`

	// ClassAdapter
	Entry       string   `cbor:"10,keyasint,omitempty"`
	Rules       []string `cbor:"11,keyasint,omitempty"` // ordered; position is the rule index
	GrammarHash string   `cbor:"12,keyasint,omitempty"`
}

// ClassMagic identifies gramlab class files ("GLBC": gramlab bytecode).
const ClassMagic = "GLBC"

// NewClassFile returns a class file header for the given kind and name.
func NewClassFile(kind ClassKind, grammar, name, source string) *ClassFile {
	return &ClassFile{
		Magic:   ClassMagic,
		Version: BytecodeVersion,
		Kind:    kind,
		Name:    name,
		Grammar: grammar,
		Source:  source,
	}
}

// ClassName is the name a loader resolves a class by: the rule name for
// rules, "<Grammar>Lexer" and "<Grammar>Adapter" otherwise.
func (cf *ClassFile) ClassName() string {
	switch cf.Kind {
	case ClassLexer:
		return cf.Grammar + "Lexer"
	case ClassAdapter:
		return cf.Grammar + "Adapter"
	default:
		return cf.Name
	}
}

// Validate checks the header and the kind-specific payload.
func (cf *ClassFile) Validate() error {
	if cf.Magic != ClassMagic {
		return fmt.Errorf("invalid class magic: expected %q, got %q", ClassMagic, cf.Magic)
	}
	if cf.Version > BytecodeVersion {
		return fmt.Errorf("class version %d is newer than supported version %d", cf.Version, BytecodeVersion)
	}
	switch cf.Kind {
	case ClassRule:
		if cf.Chunk == nil {
			return fmt.Errorf("rule class %s has no code", cf.Name)
		}
		if err := cf.Chunk.Verify(); err != nil {
			return fmt.Errorf("rule class %s: %w", cf.Name, err)
		}
	case ClassLexer:
		seen := make(map[int]bool, len(cf.Tokens))
		for _, td := range cf.Tokens {
			if td.Type <= 0 || seen[td.Type] {
				return fmt.Errorf("lexer class %s: bad token type %d for %s", cf.Name, td.Type, td.Name)
			}
			seen[td.Type] = true
		}
	case ClassAdapter:
		if cf.Entry == "" {
			return fmt.Errorf("adapter class %s has no entry rule", cf.Name)
		}
	default:
		return fmt.Errorf("unknown class kind %d", cf.Kind)
	}
	return nil
}
