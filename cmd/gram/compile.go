package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/server"
	"github.com/chazu/gramlab/vfs"
)

func newCompileCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON  bool
		disasm  bool
		sources bool
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Generate and compile the grammar without parsing",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.open()
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, cancel := signalContext()
			defer cancel()
			r := p.session.Compile(ctx)

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			if asJSON {
				data, err := json.MarshalIndent(server.NewCompileResponse("", r), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				printDiagnostics(errOut, server.Diagnostics(r), p.session.Name(), "")
				if sources {
					printFiles(out, p.session.FS(), vfs.GeneratedSource)
				}
				if disasm && r.Usable() {
					if err := printClasses(out, p.session.FS()); err != nil {
						return err
					}
				}
				detail := ""
				if r.Compile != nil && r.Compile.Precompiled() {
					detail = " (precompiled)"
				}
				printStage(errOut, r.Stage().String()+detail, r.Usable())
			}
			if !r.Usable() {
				return errFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&disasm, "disasm", false, "Disassemble the compiled classes")
	cmd.Flags().BoolVar(&sources, "sources", false, "Print the generated sources")
	return cmd
}

func printFiles(w io.Writer, fs vfs.Reader, loc vfs.Location) {
	for _, f := range fs.List(loc, "") {
		fmt.Fprintln(w, boxStyle.Render(f.Path))
		fmt.Fprintln(w, strings.TrimRight(string(f.Content), "\n"))
	}
}

// printClasses decodes every class file and prints its contents: token
// tables for lexers, the rule order for adapters and bytecode for rules.
func printClasses(w io.Writer, fs vfs.Reader) error {
	for _, f := range fs.List(vfs.ClassOutput, "") {
		cf, err := bytecode.UnmarshalClass(f.Content)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		fmt.Fprintln(w, boxStyle.Render(fmt.Sprintf("%s %s", cf.Kind, cf.ClassName())))
		switch cf.Kind {
		case bytecode.ClassLexer:
			for _, t := range cf.Tokens {
				flags := ""
				if t.Skip {
					flags = " skip"
				} else if t.Channel != 0 {
					flags = fmt.Sprintf(" channel(%d)", t.Channel)
				}
				fmt.Fprintf(w, "%4d  %-16s /%s/%s\n", t.Type, t.Name, t.Pattern, dimStyle.Render(flags))
			}
		case bytecode.ClassAdapter:
			fmt.Fprintf(w, "entry %s, hash %s\n", cf.Entry, cf.GrammarHash)
			for i, rule := range cf.Rules {
				fmt.Fprintf(w, "%4d  %s\n", i, rule)
			}
		case bytecode.ClassRule:
			if cf.Chunk != nil {
				fmt.Fprint(w, cf.Chunk.DisassembleWithName(cf.Name))
			}
		}
	}
	return nil
}
