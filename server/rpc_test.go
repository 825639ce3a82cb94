package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
)

const abGrammar = `grammar AB;
s : 'a' ID EOF ;
ID : [a-z]+ ;
WS : [ ]+ -> skip ;
`

func bg() context.Context {
	return context.Background()
}

// newTestServer starts a GramServer behind httptest and returns a client
// for it.
func newTestServer(t *testing.T) (*GramServer, *PipelineClient, *httptest.Server) {
	t.Helper()
	gs := New(WithSessionTTL(time.Hour, time.Hour))
	hs := httptest.NewServer(gs.Handler())
	t.Cleanup(func() {
		hs.Close()
		gs.Stop()
	})
	return gs, NewPipelineClient(hs.Client(), hs.URL), hs
}

func TestRPC_Parse(t *testing.T) {
	gs, client, _ := newTestServer(t)

	resp, err := client.Parse(bg(), &ParseRequest{Grammar: abGrammar, Input: "a b"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if resp.Session == "" {
		t.Fatal("Parse should return a session id")
	}
	if !resp.Usable || resp.Stage != "success" || !resp.WasCompiled || !resp.WasParsed {
		t.Errorf("response = %+v", resp)
	}
	if resp.Printed != "(s a b <EOF>)" {
		t.Errorf("Printed = %q", resp.Printed)
	}
	if resp.Tree == nil || resp.Tree.String() != resp.Printed {
		t.Errorf("decoded tree = %v", resp.Tree)
	}
	if gs.Sessions().Len() != 1 {
		t.Errorf("sessions = %d, want 1", gs.Sessions().Len())
	}

	// Reusing the session keeps the compile.
	resp2, err := client.Parse(bg(), &ParseRequest{Session: resp.Session, Input: "a c"})
	if err != nil {
		t.Fatalf("second Parse returned error: %v", err)
	}
	if resp2.WasCompiled || !resp2.Usable {
		t.Errorf("second response = %+v", resp2)
	}
}

func TestRPC_ParseSyntaxErrors(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.Parse(bg(), &ParseRequest{Grammar: abGrammar, Input: "a b c"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if resp.Stage != "partial success" || !resp.Partial {
		t.Fatalf("stage = %s, partial = %v", resp.Stage, resp.Partial)
	}
	if len(resp.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %+v", resp.Diagnostics)
	}
	d := resp.Diagnostics[0]
	if d.Stage != "parse" || d.Offset != 4 || d.Length != 1 {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestRPC_Compile(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.Compile(bg(), &CompileRequest{Grammar: "grammar AB;\ns : s 'a' | 'b' ;\n"})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if resp.Usable || resp.Stage != "compile failure" {
		t.Fatalf("response = %+v", resp)
	}
	found := false
	for _, d := range resp.Diagnostics {
		if d.Stage == "compile" && d.Code == "GS004" {
			found = true
		}
	}
	if !found {
		t.Errorf("no left recursion diagnostic in %+v", resp.Diagnostics)
	}

	fixed, err := client.Compile(bg(), &CompileRequest{Session: resp.Session, Grammar: abGrammar})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if !fixed.Usable || !fixed.WasCompiled {
		t.Errorf("fixed response = %+v", fixed)
	}
}

func TestRPC_GenerationErrors(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.Compile(bg(), &CompileRequest{Grammar: "grammar AB;\ns : 'a' NOPE ;\n"})
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if resp.Stage != "generation failure" || len(resp.Diagnostics) == 0 {
		t.Fatalf("response = %+v", resp)
	}
	if d := resp.Diagnostics[0]; d.Stage != "generation" || d.Line != 2 || !strings.Contains(d.Message, "NOPE") {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestRPC_Imports(t *testing.T) {
	_, client, _ := newTestServer(t)

	resp, err := client.Parse(bg(), &ParseRequest{
		Name:    "Main.g4",
		Grammar: "grammar Main;\nimport Words;\nlist : ID+ EOF ;\n",
		Imports: map[string]string{"Words.g4": "lexer grammar Words;\nID : [a-z]+ ;\nWS : [ ]+ -> skip ;\n"},
		Input:   "one two",
	})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if !resp.Usable || resp.Printed != "(list one two <EOF>)" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRPC_Errors(t *testing.T) {
	_, client, _ := newTestServer(t)

	_, err := client.Parse(bg(), &ParseRequest{Input: "a"})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("missing grammar: code = %v, err = %v", connect.CodeOf(err), err)
	}
	_, err = client.Parse(bg(), &ParseRequest{Session: "nope", Input: "a"})
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("unknown session: code = %v, err = %v", connect.CodeOf(err), err)
	}
	var ce *connect.Error
	if !errors.As(err, &ce) || !strings.Contains(ce.Message(), "nope") {
		t.Errorf("error = %v", err)
	}
}

func TestRPC_CloseSession(t *testing.T) {
	gs, client, _ := newTestServer(t)

	resp, err := client.Compile(bg(), &CompileRequest{Grammar: abGrammar})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := client.CloseSession(bg(), resp.Session)
	if err != nil || !closed {
		t.Fatalf("CloseSession = %v, %v", closed, err)
	}
	if gs.Sessions().Len() != 0 {
		t.Errorf("sessions = %d after close", gs.Sessions().Len())
	}
	closed, err = client.CloseSession(bg(), resp.Session)
	if err != nil || closed {
		t.Errorf("second CloseSession = %v, %v", closed, err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, client, hs := newTestServer(t)
	if _, err := client.Parse(bg(), &ParseRequest{Grammar: abGrammar, Input: "a b"}); err != nil {
		t.Fatal(err)
	}

	res, err := http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`gramlab_compiles_total{outcome="succeeded"} 1`,
		`gramlab_parses_total{stage="success"} 1`,
		`gramlab_live_scopes 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics lack %q", want)
		}
	}
}
