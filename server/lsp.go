package server

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/grammar"
	"github.com/chazu/gramlab/manifest"
	"github.com/chazu/gramlab/pipeline"
	"github.com/chazu/gramlab/proxy"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "gramlab-lsp"

// LspServer publishes diagnostics for grammar documents and for sample
// documents parsed against them. Each grammar document is a pipeline
// session keyed by its URI.
type LspServer struct {
	worker   *Worker
	manifest *manifest.Manifest
	opts     []pipeline.Option

	mu       sync.Mutex
	docs     map[string]string // URI → full document content
	grammars map[string]*pipeline.Session
	trees    map[string]*proxy.ParseTree // last parse of each sample URI

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server. m may be nil; without a manifest every
// non-grammar document is parsed against the only open grammar.
func NewLSP(m *manifest.Manifest, opts ...pipeline.Option) *LspServer {
	s := &LspServer{
		worker:   NewWorker(),
		manifest: m,
		opts:     opts,
		docs:     make(map[string]string),
		grammars: make(map[string]*pipeline.Session),
		trees:    make(map[string]*proxy.ParseTree),
		version:  "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("gramlab LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for uri, sess := range s.grammars {
		sess.Close()
		delete(s.grammars, uri)
	}
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := string(params.TextDocument.URI)

	s.mu.Lock()
	s.docs[uri] = params.TextDocument.Text
	s.mu.Unlock()

	notify := ctx.Notify
	s.worker.Go(func() { publish(notify, s.check(uri)) })
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := string(params.TextDocument.URI)

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[uri] = whole.Text
			s.mu.Unlock()

			notify := ctx.Notify
			s.worker.Go(func() { publish(notify, s.check(uri)) })
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := string(params.TextDocument.URI)
	s.forget(uri)

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         params.TextDocument.URI,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// forget drops a closed document. A grammar's session is kept while it is
// the project grammar, since samples still parse against it.
func (s *LspServer) forget(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, uri)
	delete(s.trees, uri)
	if sess, ok := s.grammars[uri]; ok && uri != s.projectGrammarURI() {
		sess.Close()
		delete(s.grammars, uri)
	}
}

// --- Checking ---

// check compiles or parses the document at uri and returns the
// diagnostics to publish, keyed by URI. Checking a grammar rechecks the
// open samples that parse against it.
func (s *LspServer) check(uri string) map[string][]protocol.Diagnostic {
	out := make(map[string][]protocol.Diagnostic)
	s.mu.Lock()
	text, ok := s.docs[uri]
	s.mu.Unlock()
	if !ok {
		return out
	}

	if !isGrammarURI(uri) {
		out[uri] = s.checkSample(uri, text)
		return out
	}
	out[uri] = s.checkGrammar(uri, text)
	for _, sample := range s.samplesOf(uri) {
		s.mu.Lock()
		sampleText, ok := s.docs[sample]
		s.mu.Unlock()
		if ok {
			out[sample] = s.checkSample(sample, sampleText)
		}
	}
	return out
}

func (s *LspServer) checkGrammar(uri, text string) []protocol.Diagnostic {
	sess := s.sessionFor(uri)
	if sess.Grammar() != text {
		sess.SetGrammar(text)
	}
	r := sess.Compile(context.Background())

	diags := []protocol.Diagnostic{}
	if g := r.Generation; g != nil {
		for _, e := range g.Errors {
			diags = append(diags, grammarDiagnostic(text, e))
		}
		if g.Err != nil {
			diags = append(diags, diagnostic(protocol.Range{}, protocol.DiagnosticSeverityError, "", g.Err.Error()))
		}
	}
	if r.Compile == nil {
		return diags
	}

	main, _ := grammar.Parse("", text)
	for _, d := range r.Compile.Diagnostics() {
		diags = append(diags, diagnostic(anchor(main, d), severityOf(d.Severity), d.Code, d.Message))
	}
	if err := r.Compile.Thrown(); err != nil {
		diags = append(diags, diagnostic(protocol.Range{}, protocol.DiagnosticSeverityError, "", err.Error()))
	}
	return diags
}

func (s *LspServer) checkSample(uri, text string) []protocol.Diagnostic {
	grammarURI, ok := s.grammarURIFor(uri)
	if !ok {
		return []protocol.Diagnostic{}
	}
	r := s.sessionFor(grammarURI).Parse(context.Background(), text)

	switch r.Stage() {
	case pipeline.GenerationFailure, pipeline.CompileFailure:
		msg := fmt.Sprintf("%s does not compile: %v", path.Base(grammarURI), r.Rethrow())
		return []protocol.Diagnostic{diagnostic(protocol.Range{}, protocol.DiagnosticSeverityInformation, "", msg)}
	}
	if r.Parse == nil {
		return []protocol.Diagnostic{}
	}
	if t := r.Parse.Thrown; t != nil {
		return []protocol.Diagnostic{diagnostic(protocol.Range{}, protocol.DiagnosticSeverityError, t.Kind, t.Message)}
	}

	tree := r.Parse.Tree
	s.mu.Lock()
	s.trees[uri] = tree
	s.mu.Unlock()

	diags := []protocol.Diagnostic{}
	for _, e := range tree.SyntaxErrors() {
		width := 0
		if e.Offset+e.Length <= len(text) {
			width = utf8.RuneCountInString(text[e.Offset : e.Offset+e.Length])
		}
		line := protocol.UInteger(max(e.Line-1, 0))
		rng := protocol.Range{
			Start: protocol.Position{Line: line, Character: protocol.UInteger(e.Column)},
			End:   protocol.Position{Line: line, Character: protocol.UInteger(e.Column + width)},
		}
		diags = append(diags, diagnostic(rng, protocol.DiagnosticSeverityError, "syntax", e.Message))
	}
	return diags
}

// sessionFor returns the session of a grammar URI, creating it from the
// open document or from disk.
func (s *LspServer) sessionFor(uri string) *pipeline.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.grammars[uri]; ok {
		return sess
	}

	p := uriToPath(uri)
	opts := append([]pipeline.Option{pipeline.WithImportDirs(filepath.Dir(p))}, s.opts...)
	if s.manifest != nil && uri == s.projectGrammarURI() {
		opts = append(opts, s.manifest.SessionOptions()...)
	}
	sess := pipeline.NewSession(filepath.Base(p), opts...)
	if text, ok := s.docs[uri]; ok {
		sess.SetGrammar(text)
	} else if data, err := os.ReadFile(p); err == nil {
		sess.SetGrammar(string(data))
	} else {
		log.Warningf("cannot read grammar %s: %s", p, err.Error())
	}
	s.grammars[uri] = sess
	return sess
}

// projectGrammarURI returns the manifest's grammar as a URI, or "".
func (s *LspServer) projectGrammarURI() string {
	if s.manifest == nil {
		return ""
	}
	return pathToURI(s.manifest.GrammarPath())
}

// grammarURIFor returns the grammar a sample document parses against.
func (s *LspServer) grammarURIFor(uri string) (string, bool) {
	if s.manifest != nil {
		if s.manifest.IsSample(uriToPath(uri)) {
			return s.projectGrammarURI(), true
		}
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var found string
	for doc := range s.docs {
		if isGrammarURI(doc) {
			if found != "" {
				return "", false
			}
			found = doc
		}
	}
	return found, found != ""
}

// samplesOf returns the open documents that parse against grammarURI.
func (s *LspServer) samplesOf(grammarURI string) []string {
	s.mu.Lock()
	var docs []string
	for doc := range s.docs {
		if !isGrammarURI(doc) {
			docs = append(docs, doc)
		}
	}
	s.mu.Unlock()

	var out []string
	for _, doc := range docs {
		if g, ok := s.grammarURIFor(doc); ok && g == grammarURI {
			out = append(out, doc)
		}
	}
	sort.Strings(out)
	return out
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	uri := string(params.TextDocument.URI)
	text, ok := s.doc(uri)
	if !ok || !isGrammarURI(uri) {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return s.complete(text, prefix), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	uri := string(params.TextDocument.URI)
	text, ok := s.doc(uri)
	if !ok {
		return nil, nil
	}

	if !isGrammarURI(uri) {
		s.mu.Lock()
		tree := s.trees[uri]
		s.mu.Unlock()
		return hoverSample(tree, params.Position), nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.hover(text, word), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := string(params.TextDocument.URI)
	text, ok := s.doc(uri)
	if !ok || !isGrammarURI(uri) {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	if loc := s.definition(uri, text, word); loc != nil {
		return []protocol.Location{*loc}, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := string(params.TextDocument.URI)
	text, ok := s.doc(uri)
	if !ok || !isGrammarURI(uri) {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}
	return s.references(uri, text, word), nil
}

func (s *LspServer) doc(uri string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[uri]
	return text, ok
}

func (s *LspServer) complete(text, prefix string) []protocol.CompletionItem {
	g, _ := grammar.Parse("", text)
	if g == nil {
		return nil
	}
	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)
	for _, r := range g.Rules {
		if !strings.HasPrefix(strings.ToLower(r.Name), lowerPrefix) {
			continue
		}
		kind := protocol.CompletionItemKindFunction
		detail := "parser rule"
		if r.IsLexer() {
			kind = protocol.CompletionItemKindConstant
			detail = "lexer rule"
		}
		name := r.Name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &name,
		})
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

func (s *LspServer) hover(text, word string) *protocol.Hover {
	g, _ := grammar.Parse("", text)
	if g == nil {
		return nil
	}
	r := g.Rule(word)
	if r == nil {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s**", r.Name)
	switch {
	case r.Fragment:
		b.WriteString(" lexer fragment")
	case r.IsLexer():
		b.WriteString(" lexer rule")
	default:
		b.WriteString(" parser rule")
	}
	for _, c := range r.Commands {
		if c.Arg != "" {
			fmt.Fprintf(&b, " `-> %s(%s)`", c.Name, c.Arg)
		} else {
			fmt.Fprintf(&b, " `-> %s`", c.Name)
		}
	}
	fmt.Fprintf(&b, "\n\nDefined at line %d, referenced %d times", r.Pos.Line, len(refsTo(g, word)))

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// hoverSample describes the token under pos and the rules enclosing it.
func hoverSample(tree *proxy.ParseTree, pos protocol.Position) *protocol.Hover {
	if tree == nil || tree.IsUnparsed() {
		return nil
	}
	tokens := tree.Tokens()
	index := -1
	for i, tok := range tokens {
		if tok.Type == proxy.EOFType || tok.Line != int(pos.Line)+1 {
			continue
		}
		col := int(pos.Character)
		if col >= tok.Column && col < tok.Column+utf8.RuneCountInString(tok.Text) {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}

	var path []string
	for _, n := range tree.Nodes() {
		if n.StartToken <= index && index <= n.StopToken {
			path = append(path, n.RuleName)
		}
	}
	tok := tokens[index]

	var b strings.Builder
	if len(path) > 0 {
		fmt.Fprintf(&b, "`%s`\n\n", strings.Join(path, " > "))
	}
	fmt.Fprintf(&b, "%s `%s`", tok.TypeName, tok.Text)
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

func (s *LspServer) definition(uri, text, word string) *protocol.Location {
	g, _ := grammar.Parse("", text)
	if g == nil {
		return nil
	}
	r := g.Rule(word)
	if r == nil {
		return nil
	}
	return &protocol.Location{URI: protocol.DocumentUri(uri), Range: wordRange(r.Pos, word)}
}

func (s *LspServer) references(uri, text, word string) []protocol.Location {
	g, _ := grammar.Parse("", text)
	if g == nil {
		return nil
	}
	var locations []protocol.Location
	for _, pos := range refsTo(g, word) {
		locations = append(locations, protocol.Location{URI: protocol.DocumentUri(uri), Range: wordRange(pos, word)})
	}
	return locations
}

// refsTo returns the positions of every reference to name in g's rules.
func refsTo(g *grammar.Grammar, name string) []grammar.Position {
	var out []grammar.Position
	for _, r := range g.Rules {
		if r.Body == nil {
			continue
		}
		grammar.Walk(r.Body, func(e grammar.Expr) {
			switch n := e.(type) {
			case *grammar.RuleRef:
				if n.Name == name {
					out = append(out, n.Pos)
				}
			case *grammar.TokenRef:
				if n.Name == name {
					out = append(out, n.Pos)
				}
			}
		})
	}
	return out
}

// --- Diagnostics ---

func publish(notify glsp.NotifyFunc, diags map[string][]protocol.Diagnostic) {
	uris := make([]string, 0, len(diags))
	for uri := range diags {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		d := diags[uri]
		if d == nil {
			d = []protocol.Diagnostic{}
		}
		notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
			URI:         protocol.DocumentUri(uri),
			Diagnostics: d,
		})
	}
}

func diagnostic(rng protocol.Range, severity protocol.DiagnosticSeverity, code, message string) protocol.Diagnostic {
	source := lspName
	d := protocol.Diagnostic{
		Range:    rng,
		Severity: &severity,
		Source:   &source,
		Message:  message,
	}
	if code != "" {
		d.Code = &protocol.IntegerOrString{Value: code}
	}
	return d
}

// grammarDiagnostic places a generation error. Errors from imported
// grammars are reported at the top of the importing document.
func grammarDiagnostic(text string, e *grammar.Error) protocol.Diagnostic {
	if e.Source != "" {
		return diagnostic(protocol.Range{}, protocol.DiagnosticSeverityError, "", e.Error())
	}
	rng := wordRange(grammar.Position{Line: e.Line, Column: e.Column}, "")
	lines := strings.Split(text, "\n")
	if e.Line >= 1 && e.Line <= len(lines) {
		line := lines[e.Line-1]
		col := 0
		for i := range line {
			if col == e.Column-1 {
				rng = wordRange(grammar.Position{Line: e.Line, Column: e.Column}, wordAt(line[i:]))
				break
			}
			col++
		}
	}
	return diagnostic(rng, protocol.DiagnosticSeverityError, "", e.Message)
}

// anchor maps a toolchain diagnostic on a generated rule source back to
// the rule's definition in the grammar.
func anchor(g *grammar.Grammar, d compiler.Diagnostic) protocol.Range {
	if g == nil {
		return protocol.Range{}
	}
	dir, file := path.Split(d.Path)
	if path.Base(path.Clean(dir)) != "rules" {
		return protocol.Range{}
	}
	name := strings.TrimSuffix(file, path.Ext(file))
	if r := g.Rule(name); r != nil {
		return wordRange(r.Pos, name)
	}
	return protocol.Range{}
}

func severityOf(s compiler.Severity) protocol.DiagnosticSeverity {
	switch s {
	case compiler.SeverityInfo:
		return protocol.DiagnosticSeverityInformation
	case compiler.SeverityWarning:
		return protocol.DiagnosticSeverityWarning
	default:
		return protocol.DiagnosticSeverityError
	}
}

// wordRange converts a 1-based grammar position to an LSP range spanning
// word.
func wordRange(pos grammar.Position, word string) protocol.Range {
	line := protocol.UInteger(max(pos.Line-1, 0))
	col := protocol.UInteger(max(pos.Column-1, 0))
	return protocol.Range{
		Start: protocol.Position{Line: line, Character: col},
		End:   protocol.Position{Line: line, Character: col + protocol.UInteger(utf8.RuneCountInString(word))},
	}
}

// --- Text extraction helpers ---

func isIdentRune(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// wordAt returns the identifier at the start of s.
func wordAt(s string) string {
	for i, ch := range s {
		if !isIdentRune(ch) {
			return s[:i]
		}
	}
	return s
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentRune(rune(line[start-1])) {
		start--
	}
	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isIdentRune(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isIdentRune(rune(line[end])) {
		end++
	}
	return line[start:end]
}

func isGrammarURI(uri string) bool {
	ext := path.Ext(uri)
	for _, e := range grammar.GrammarExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	return filepath.FromSlash(u.Path)
}

func pathToURI(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

func boolPtr(b bool) *bool {
	return &b
}
