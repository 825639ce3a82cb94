package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/gramlab/manifest"
	"github.com/chazu/gramlab/pipeline"
	"github.com/chazu/gramlab/vfs"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	verbose int
	logFile string
	grammar string
	start   string
	cacheDB string
}

// errFailed is returned after a failing result was already printed.
var errFailed = errors.New("failed")

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "gram",
		Short: "Generate, compile and run grammars",
		Long: `gram turns an ANTLR-style grammar into a parser, compiles it in an isolated
scope and parses inputs with it. Without --grammar the grammar named by the
nearest gramlab.toml is used.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.configureLogging()
		},
	}

	pf := cmd.PersistentFlags()
	pf.CountVarP(&opts.verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	pf.StringVar(&opts.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.StringVarP(&opts.grammar, "grammar", "g", "", "Grammar file (defaults to the gramlab.toml grammar)")
	pf.StringVar(&opts.start, "start", "", "Start rule (defaults to the first parser rule)")
	pf.StringVar(&opts.cacheDB, "cache-db", "", "SQLite file mirroring generated and compiled files between runs")

	cmd.AddCommand(
		newParseCmd(opts),
		newTokensCmd(opts),
		newCompileCmd(opts),
		newServeCmd(opts),
		newLSPCmd(opts),
		newInitCmd(opts),
	)
	return cmd
}

func (o *rootOptions) configureLogging() {
	var path *string
	if o.logFile != "" {
		path = &o.logFile
	}
	commonlog.Configure(o.verbose, path)
}

// project is an open grammar session plus the resources backing it.
type project struct {
	session  *pipeline.Session
	manifest *manifest.Manifest
	mirror   *vfs.Mirror
	path     string
}

func (p *project) Close() {
	p.session.Close()
	if p.mirror != nil {
		if err := p.mirror.Close(); err != nil {
			fmt.Fprintln(os.Stderr, warningStyle.Render(err.Error()))
		}
	}
}

// loadManifest returns the nearest gramlab.toml, or nil when there is none.
func loadManifest() (*manifest.Manifest, error) {
	return manifest.FindAndLoad(".")
}

// sessionOptions returns the pipeline options implied by the manifest and
// the flags. Flags win.
func (o *rootOptions) sessionOptions(m *manifest.Manifest, grammarPath string) ([]pipeline.Option, *vfs.Mirror, error) {
	var opts []pipeline.Option
	if m != nil {
		opts = m.SessionOptions()
	} else {
		opts = append(opts, pipeline.WithImportDirs(filepath.Dir(grammarPath)))
	}
	if o.start != "" {
		opts = append(opts, pipeline.WithStart(o.start))
	}

	mirrorPath := o.cacheDB
	if mirrorPath == "" && m != nil {
		mirrorPath = m.MirrorPath()
	}
	if mirrorPath == "" {
		return opts, nil, nil
	}
	mirror, err := vfs.OpenMirror(mirrorPath)
	if err != nil {
		return nil, nil, err
	}
	return append(opts, pipeline.WithMirror(mirror)), mirror, nil
}

// open loads the grammar named by --grammar or the project manifest.
func (o *rootOptions) open() (*project, error) {
	grammarPath := o.grammar
	var m *manifest.Manifest
	if grammarPath == "" {
		var err error
		if m, err = loadManifest(); err != nil {
			return nil, err
		}
		if m == nil {
			return nil, fmt.Errorf("no --grammar given and no %s found", manifest.FileName)
		}
		grammarPath = m.GrammarPath()
	}

	text, err := os.ReadFile(grammarPath)
	if err != nil {
		return nil, err
	}
	opts, mirror, err := o.sessionOptions(m, grammarPath)
	if err != nil {
		return nil, err
	}

	s := pipeline.NewSession(filepath.Base(grammarPath), opts...)
	// A session restored from the mirror already holds the text; rewriting
	// it would bump its modtime and force a recompile.
	if s.Grammar() != string(text) {
		s.SetGrammar(string(text))
	}
	return &project{session: s, manifest: m, mirror: mirror, path: grammarPath}, nil
}
