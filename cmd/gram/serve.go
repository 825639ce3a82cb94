package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chazu/gramlab/manifest"
	"github.com/chazu/gramlab/pipeline"
	"github.com/chazu/gramlab/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over Connect (HTTP/JSON) with Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest()
			if err != nil {
				return err
			}
			var sessionOpts []pipeline.Option
			if m != nil {
				sessionOpts = m.SessionOptions()
			}
			if opts.start != "" {
				sessionOpts = append(sessionOpts, pipeline.WithStart(opts.start))
			}

			gs := server.New(
				server.WithSessionTTL(ttl/4, ttl),
				server.WithSessionOptions(sessionOpts...),
			)
			defer gs.Stop()

			ctx, cancel := signalContext()
			defer cancel()
			errc := make(chan error, 1)
			go func() { errc <- gs.ListenAndServe(addr) }()
			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:4567", "Listen address")
	cmd.Flags().DurationVar(&ttl, "session-ttl", 30*time.Minute, "Close sessions idle for this long")
	return cmd
}

func newLSPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lsp",
		Short: "Run the language server on stdio",
		Long: `Run a Language Server Protocol server on stdin/stdout. Grammar files get
generation and compile diagnostics; files under the gramlab.toml sample
directories are parsed with the project grammar on every change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest()
			if err != nil {
				return err
			}
			var sessionOpts []pipeline.Option
			if m == nil && opts.start != "" {
				sessionOpts = append(sessionOpts, pipeline.WithStart(opts.start))
			}
			return server.NewLSP(m, sessionOpts...).Run()
		},
	}
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var mirror string
	cmd := &cobra.Command{
		Use:   "init <grammar>",
		Short: "Write a gramlab.toml for a grammar in the current directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := &manifest.Manifest{
				Grammar: manifest.Grammar{File: args[0], Start: opts.start},
				Compile: manifest.Compile{Incremental: true, Mirror: mirror},
				Samples: manifest.Samples{Dirs: []string{"samples"}},
			}
			if err := manifest.Write(".", m); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ wrote "+manifest.FileName))
			return nil
		},
	}
	cmd.Flags().StringVar(&mirror, "mirror", "", "SQLite file mirroring compiled output, relative to the project")
	return cmd
}
