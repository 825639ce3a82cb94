package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/chazu/gramlab/pipeline"
	"github.com/chazu/gramlab/proxy"
	"github.com/chazu/gramlab/server"
)

// input is one text to parse and the name it is reported under.
type input struct {
	Name string
	Text string
}

// parsed pairs an input with its result for --json output.
type parsed struct {
	Input string `json:"input"`
	*server.ParseResponse
}

func newParseCmd(opts *rootOptions) *cobra.Command {
	var (
		expr   string
		asJSON bool
		tokens bool
	)
	cmd := &cobra.Command{
		Use:   "parse [input...]",
		Short: "Parse inputs with the grammar and print their trees",
		Long: `Parse each input file with the grammar and print the parse tree in LISP
form followed by any diagnostics. "-" reads standard input. Without inputs the
project's sample files are parsed, or standard input when there is no project.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, opts, args, expr, asJSON, tokens)
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "Parse this text instead of files")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.Flags().BoolVar(&tokens, "tokens", false, "Also print the token stream")
	return cmd
}

func newTokensCmd(opts *rootOptions) *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "tokens [input...]",
		Short: "Print the token stream of each input",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.open()
			if err != nil {
				return err
			}
			defer p.Close()
			inputs, err := collectInputs(cmd.InOrStdin(), p, args, expr)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			out := cmd.OutOrStdout()
			failed := false
			for _, in := range inputs {
				r := p.session.Parse(ctx, in.Text)
				if r.Parse == nil || r.Parse.Tree == nil || r.Parse.Tree.IsUnparsed() {
					printDiagnostics(cmd.ErrOrStderr(), server.Diagnostics(r), p.session.Name(), in.Name)
					printStage(cmd.ErrOrStderr(), r.Stage().String(), false)
					failed = true
					continue
				}
				if len(inputs) > 1 {
					fmt.Fprintln(out, boxStyle.Render(in.Name))
				}
				printTokens(out, r.Parse.Tree)
			}
			if failed {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&expr, "expr", "e", "", "Lex this text instead of files")
	return cmd
}

func runParse(cmd *cobra.Command, opts *rootOptions, args []string, expr string, asJSON, withTokens bool) error {
	p, err := opts.open()
	if err != nil {
		return err
	}
	defer p.Close()
	inputs, err := collectInputs(cmd.InOrStdin(), p, args, expr)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	var results []parsed
	failed := false
	for _, in := range inputs {
		r := p.session.Parse(ctx, in.Text)
		if !r.Usable() {
			failed = true
		}
		if asJSON {
			results = append(results, parsed{Input: in.Name, ParseResponse: server.NewParseResponse("", r)})
			continue
		}
		printResult(out, errOut, p.session, in, r, withTokens, len(inputs) > 1)
	}

	if asJSON {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	}
	if failed {
		return errFailed
	}
	return nil
}

func printResult(out, errOut io.Writer, s *pipeline.Session, in input, r *pipeline.Result, withTokens, titled bool) {
	if titled {
		fmt.Fprintln(out, boxStyle.Render(in.Name))
	}
	if r.Parse != nil && r.Parse.Tree != nil {
		if withTokens && !r.Parse.Tree.IsUnparsed() {
			printTokens(out, r.Parse.Tree)
		}
		if r.Parse.Usable() {
			fmt.Fprintln(out, r.Parse.Tree.String())
		}
	}
	printDiagnostics(errOut, server.Diagnostics(r), s.Name(), in.Name)
	if r.Parse != nil && r.Parse.Thrown != nil {
		fmt.Fprintln(errOut, errorStyle.Render(r.Parse.Thrown.Error()))
	}
	if st := r.Stage(); st != pipeline.Success {
		printStage(errOut, st.String(), r.Usable())
	}
}

func printTokens(w io.Writer, tree *proxy.ParseTree) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, tok := range tree.Tokens() {
		text := tok.Text
		if tok.Type == proxy.EOFType {
			text = "<EOF>"
		}
		channel := ""
		if tok.Channel != 0 {
			channel = dimStyle.Render(fmt.Sprintf("channel %d", tok.Channel))
		}
		fmt.Fprintf(tw, "%d:%d\t%s\t%q\t%s\n", tok.Line, tok.Column, tok.TypeName, text, channel)
	}
	tw.Flush()
}

// collectInputs resolves the inputs to parse: --expr, the named files, the
// project's samples, or standard input, in that order of preference.
func collectInputs(stdin io.Reader, p *project, args []string, expr string) ([]input, error) {
	if expr != "" {
		return []input{{Name: "<expr>", Text: expr}}, nil
	}
	if len(args) == 0 && p.manifest != nil {
		samples, err := findSamples(p)
		if err != nil {
			return nil, err
		}
		if len(samples) > 0 {
			args = samples
		}
	}
	if len(args) == 0 {
		args = []string{"-"}
	}

	inputs := make([]input, 0, len(args))
	for _, name := range args {
		var data []byte
		var err error
		if name == "-" {
			name = "<stdin>"
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, input{Name: name, Text: string(data)})
	}
	return inputs, nil
}

// findSamples lists the project's sample files in path order.
func findSamples(p *project) ([]string, error) {
	var files []string
	for _, dir := range p.manifest.SampleDirPaths() {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if p.manifest.IsSample(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
