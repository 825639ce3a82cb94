package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	json "github.com/goccy/go-json"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/isolation"
	"github.com/chazu/gramlab/pipeline"
	"github.com/chazu/gramlab/proxy"
)

// PipelineServiceName is the fully-qualified name of the pipeline service.
const PipelineServiceName = "gramlab.v1.PipelineService"

// Procedure paths of the pipeline service.
const (
	PipelineServiceCompileProcedure      = "/" + PipelineServiceName + "/Compile"
	PipelineServiceParseProcedure        = "/" + PipelineServiceName + "/Parse"
	PipelineServiceCloseSessionProcedure = "/" + PipelineServiceName + "/CloseSession"
)

// jsonCodec carries the service's plain Go messages as JSON. It replaces
// connect's built-in "json" codec, which only handles protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CompileRequest compiles a grammar. An empty Session starts a new one;
// an empty Grammar keeps the session's current text.
type CompileRequest struct {
	Session string            `json:"session,omitempty"`
	Name    string            `json:"name,omitempty"`
	Grammar string            `json:"grammar,omitempty"`
	Imports map[string]string `json:"imports,omitempty"`
}

// ParseRequest compiles a grammar if needed and parses Input with it.
type ParseRequest struct {
	Session string            `json:"session,omitempty"`
	Name    string            `json:"name,omitempty"`
	Grammar string            `json:"grammar,omitempty"`
	Imports map[string]string `json:"imports,omitempty"`
	Input   string            `json:"input"`
}

// CloseSessionRequest closes a session.
type CloseSessionRequest struct {
	Session string `json:"session"`
}

// Diagnostic is a generation, compile or syntax message.
type Diagnostic struct {
	Stage    string `json:"stage"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Source   string `json:"source,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Length   int    `json:"length,omitempty"`
	Message  string `json:"message"`
}

// CompileResponse reports the generation and compile stages.
type CompileResponse struct {
	Session     string       `json:"session"`
	Stage       string       `json:"stage"`
	Usable      bool         `json:"usable"`
	WasCompiled bool         `json:"wasCompiled"`
	Precompiled bool         `json:"precompiled,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// ParseResponse reports every stage of a parse.
type ParseResponse struct {
	Session     string            `json:"session"`
	Stage       string            `json:"stage"`
	Usable      bool              `json:"usable"`
	Partial     bool              `json:"partial,omitempty"`
	WasCompiled bool              `json:"wasCompiled"`
	WasParsed   bool              `json:"wasParsed"`
	Diagnostics []Diagnostic      `json:"diagnostics,omitempty"`
	Tree        *proxy.ParseTree  `json:"tree,omitempty"`
	Printed     string            `json:"printed,omitempty"`
	Thrown      *isolation.Thrown `json:"thrown,omitempty"`
}

// CloseSessionResponse reports whether the session existed.
type CloseSessionResponse struct {
	Closed bool `json:"closed"`
}

// PipelineService implements the pipeline Connect handlers.
type PipelineService struct {
	sessions *SessionStore
}

// NewPipelineService creates a PipelineService.
func NewPipelineService(sessions *SessionStore) *PipelineService {
	return &PipelineService{sessions: sessions}
}

// NewPipelineServiceHandler builds an HTTP handler for svc. It returns the
// path to mount the handler on.
func NewPipelineServiceHandler(svc *PipelineService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(PipelineServiceCompileProcedure, connect.NewUnaryHandler(PipelineServiceCompileProcedure, svc.Compile, opts...))
	mux.Handle(PipelineServiceParseProcedure, connect.NewUnaryHandler(PipelineServiceParseProcedure, svc.Parse, opts...))
	mux.Handle(PipelineServiceCloseSessionProcedure, connect.NewUnaryHandler(PipelineServiceCloseSessionProcedure, svc.CloseSession, opts...))
	return "/" + PipelineServiceName + "/", mux
}

// Compile generates and compiles a grammar without parsing.
func (s *PipelineService) Compile(
	ctx context.Context,
	req *connect.Request[CompileRequest],
) (*connect.Response[CompileResponse], error) {
	session, err := s.prepare(req.Msg.Session, req.Msg.Name, req.Msg.Grammar, req.Msg.Imports)
	if err != nil {
		return nil, err
	}

	r := session.Pipeline.Compile(ctx)
	resp := NewCompileResponse(session.ID, r)
	return connect.NewResponse(resp), nil
}

// Parse compiles the grammar if it changed and parses the input.
func (s *PipelineService) Parse(
	ctx context.Context,
	req *connect.Request[ParseRequest],
) (*connect.Response[ParseResponse], error) {
	session, err := s.prepare(req.Msg.Session, req.Msg.Name, req.Msg.Grammar, req.Msg.Imports)
	if err != nil {
		return nil, err
	}

	r := session.Pipeline.Parse(ctx, req.Msg.Input)
	resp := NewParseResponse(session.ID, r)
	return connect.NewResponse(resp), nil
}

// CloseSession closes a session and releases its scopes.
func (s *PipelineService) CloseSession(
	ctx context.Context,
	req *connect.Request[CloseSessionRequest],
) (*connect.Response[CloseSessionResponse], error) {
	if req.Msg.Session == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("session is required"))
	}
	return connect.NewResponse(&CloseSessionResponse{Closed: s.sessions.Destroy(req.Msg.Session)}), nil
}

// prepare finds or creates the session and applies the request's grammar.
func (s *PipelineService) prepare(id, name, text string, imports map[string]string) (*Session, error) {
	var session *Session
	if id == "" {
		if text == "" {
			return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("grammar is required for a new session"))
		}
		session = s.sessions.Create(name)
	} else {
		var ok bool
		session, ok = s.sessions.Get(id)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
		}
	}

	for p, src := range imports {
		session.Pipeline.SetImport(p, src)
	}
	if text != "" && text != session.Pipeline.Grammar() {
		session.Pipeline.SetGrammar(text)
	}
	return session, nil
}

// NewCompileResponse reports a compile result for the given session id.
func NewCompileResponse(id string, r *pipeline.Result) *CompileResponse {
	resp := &CompileResponse{
		Session:     id,
		Stage:       r.Stage().String(),
		Usable:      r.Usable(),
		WasCompiled: r.WasCompiled,
		Diagnostics: Diagnostics(r),
	}
	if r.Compile != nil {
		resp.Precompiled = r.Compile.Precompiled()
	}
	return resp
}

// NewParseResponse reports a parse result for the given session id.
func NewParseResponse(id string, r *pipeline.Result) *ParseResponse {
	resp := &ParseResponse{
		Session:     id,
		Stage:       r.Stage().String(),
		Usable:      r.Usable(),
		Partial:     r.Partial(),
		WasCompiled: r.WasCompiled,
		WasParsed:   r.WasParsed,
		Diagnostics: Diagnostics(r),
	}
	if r.Parse != nil {
		resp.Tree = r.Parse.Tree
		resp.Thrown = r.Parse.Thrown
		if r.Parse.Usable() {
			resp.Printed = r.Parse.Tree.String()
		}
	}
	return resp
}

// Diagnostics flattens every stage's messages.
func Diagnostics(r *pipeline.Result) []Diagnostic {
	var out []Diagnostic
	if g := r.Generation; g != nil {
		for _, e := range g.Errors {
			out = append(out, Diagnostic{
				Stage:    "generation",
				Severity: compiler.SeverityError.String(),
				Source:   e.Source,
				Line:     e.Line,
				Column:   e.Column,
				Message:  e.Message,
			})
		}
		if g.Err != nil {
			out = append(out, Diagnostic{Stage: "generation", Severity: compiler.SeverityFatal.String(), Message: g.Err.Error()})
		}
	}
	if r.Compile != nil && r.WasCompiled {
		for _, d := range r.Compile.Diagnostics() {
			out = append(out, Diagnostic{
				Stage:    "compile",
				Severity: d.Severity.String(),
				Code:     d.Code,
				Source:   d.Path,
				Line:     d.Line,
				Column:   d.Column,
				Message:  d.Message,
			})
		}
		if err := r.Compile.Thrown(); err != nil {
			out = append(out, Diagnostic{Stage: "compile", Severity: compiler.SeverityFatal.String(), Message: err.Error()})
		}
	}
	if r.Parse != nil && r.Parse.Tree != nil {
		for _, e := range r.Parse.Tree.SyntaxErrors() {
			out = append(out, Diagnostic{
				Stage:    "parse",
				Severity: compiler.SeverityError.String(),
				Code:     "syntax",
				Line:     e.Line,
				Column:   e.Column,
				Offset:   e.Offset,
				Length:   e.Length,
				Message:  e.Message,
			})
		}
	}
	return out
}

// PipelineClient calls a PipelineService over Connect with the JSON codec.
type PipelineClient struct {
	compile      *connect.Client[CompileRequest, CompileResponse]
	parse        *connect.Client[ParseRequest, ParseResponse]
	closeSession *connect.Client[CloseSessionRequest, CloseSessionResponse]
}

// NewPipelineClient creates a client for the service at baseURL.
func NewPipelineClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *PipelineClient {
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &PipelineClient{
		compile:      connect.NewClient[CompileRequest, CompileResponse](httpClient, baseURL+PipelineServiceCompileProcedure, opts...),
		parse:        connect.NewClient[ParseRequest, ParseResponse](httpClient, baseURL+PipelineServiceParseProcedure, opts...),
		closeSession: connect.NewClient[CloseSessionRequest, CloseSessionResponse](httpClient, baseURL+PipelineServiceCloseSessionProcedure, opts...),
	}
}

// Compile calls PipelineService.Compile.
func (c *PipelineClient) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	resp, err := c.compile.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Parse calls PipelineService.Parse.
func (c *PipelineClient) Parse(ctx context.Context, req *ParseRequest) (*ParseResponse, error) {
	resp, err := c.parse.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// CloseSession calls PipelineService.CloseSession.
func (c *PipelineClient) CloseSession(ctx context.Context, id string) (bool, error) {
	resp, err := c.closeSession.CallUnary(ctx, connect.NewRequest(&CloseSessionRequest{Session: id}))
	if err != nil {
		return false, err
	}
	return resp.Msg.Closed, nil
}
