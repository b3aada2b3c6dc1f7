// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memodesk/cmd/memodesk/config"
	"github.com/AleutianAI/memodesk/pkg/logging"
	"github.com/AleutianAI/memodesk/pkg/ux"
)

// Command annotations controlling setup.
const (
	// annotationSetup is "config" for commands that need only the
	// configuration, and absent for commands that need the whole App.
	annotationSetup = "memodesk/setup"
	setupConfigOnly = "config"
)

// globalOptions are the persistent flags.
type globalOptions struct {
	configPath  string
	apiURL      string
	personality string
	logLevel    string
	metricsAddr string
}

// cli is one run of the command tree.
//
// # Description
//
// Holds the I/O streams and, once the persistent pre-run has executed,
// the effective configuration, logger, printer and App. Tests build a
// cli over buffers and a fake service and call execute.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// lookup and envFiles feed config.Load; tests replace them.
	lookup   config.LookupFunc
	envFiles []string

	opts    globalOptions
	root    *cobra.Command
	cfg     config.Config
	logger  *logging.Logger
	printer *ux.Printer
	app     *App
}

// newCLI builds the command tree over the given streams.
func newCLI(in io.Reader, out, errOut io.Writer) *cli {
	c := &cli{in: in, out: out, errOut: errOut, lookup: os.LookupEnv}

	c.root = &cobra.Command{
		Use:   "memodesk",
		Short: "Ask questions about your documents from the terminal",
		Long: `memodesk talks to a document Q&A service: upload PDFs, follow their
processing, and chat with an assistant that answers with cited sources.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	c.root.SetIn(in)
	c.root.SetOut(out)
	c.root.SetErr(errOut)

	flags := c.root.PersistentFlags()
	flags.StringVar(&c.opts.configPath, "config", "", "config file (default ~/.memodesk/memodesk.yaml)")
	flags.StringVar(&c.opts.apiURL, "api-url", "", "API root, e.g. http://localhost:8000/api/v1")
	flags.StringVarP(&c.opts.personality, "personality", "p", "", "output style: full, standard, minimal, machine")
	flags.StringVar(&c.opts.logLevel, "log-level", "", "log to stderr at this level: debug, info, warn, error")
	flags.StringVar(&c.opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	// --- Q&A ---
	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  c.runAsk, // Defined in cmd_ask.go
	}
	askCmd.Flags().StringSlice("doc", nil, "limit the search to these document ids (repeatable)")
	askCmd.Flags().Bool("no-stream", false, "wait for the whole answer instead of streaming it")
	askCmd.Flags().String("session", "", "continue this session instead of starting a new one")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE:  c.runChat, // Defined in cmd_ask.go
	}
	chatCmd.Flags().StringSlice("doc", nil, "limit the search to these document ids (repeatable)")
	chatCmd.Flags().String("session", "", "resume this session")

	// --- Sessions ---
	sessionsCmd := &cobra.Command{
		Use:     "sessions",
		Short:   "Manage saved conversations",
		Aliases: []string{"session"},
	}
	sessionsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE:  c.runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsShowCmd := &cobra.Command{
		Use:   "show [session_id]",
		Short: "Print the transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runSessionsShow,
	}
	sessionsNewCmd := &cobra.Command{
		Use:   "new",
		Short: "Create an empty session and print its id",
		Args:  cobra.NoArgs,
		RunE:  c.runSessionsNew,
	}
	sessionsDeleteCmd := &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runSessionsDelete,
	}
	sessionsDeleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	sessionsExportCmd := &cobra.Command{
		Use:   "export [session_id]",
		Short: "Export a transcript as markdown or HTML",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runSessionsExport,
	}
	sessionsExportCmd.Flags().StringP("format", "f", "markdown", "markdown or html")
	sessionsExportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsNewCmd, sessionsDeleteCmd, sessionsExportCmd)

	// --- Documents ---
	docsCmd := &cobra.Command{
		Use:     "docs",
		Short:   "Manage uploaded documents",
		Aliases: []string{"documents"},
	}
	docsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded documents",
		Args:  cobra.NoArgs,
		RunE:  c.runDocsList, // Defined in cmd_docs.go
	}
	docsUploadCmd := &cobra.Command{
		Use:   "upload [file.pdf...]",
		Short: "Upload PDF files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  c.runDocsUpload,
	}
	docsDeleteCmd := &cobra.Command{
		Use:   "delete [document_id]",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runDocsDelete,
	}
	docsDeleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	docsDemoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Load the demo documents",
		Args:  cobra.NoArgs,
		RunE:  c.runDocsDemo,
	}
	docsWatchCmd := &cobra.Command{
		Use:   "watch-dir [directory]",
		Short: "Upload PDFs as they appear in a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runDocsWatch,
	}
	docsWatchCmd.Flags().Bool("existing", false, "also upload PDFs already in the directory")
	docsCmd.AddCommand(docsListCmd, docsUploadCmd, docsDeleteCmd, docsDemoCmd, docsWatchCmd)

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "Follow document processing",
		Args:  cobra.NoArgs,
		RunE:  c.runProgress, // Defined in cmd_docs.go
	}
	progressCmd.Flags().Bool("once", false, "print the current state and exit")
	progressCmd.Flags().Bool("until-done", false, "exit when every document is processed or failed")

	// --- Insights ---
	resultsCmd := &cobra.Command{
		Use:   "results [document_id]",
		Short: "Show the structured extraction of every document, or one in full",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.runResults, // Defined in cmd_insights.go
	}
	resultsCmd.Flags().Bool("reprocess", false, "re-run extraction for the document first")
	compareCmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare processed documents side by side",
		Args:  cobra.NoArgs,
		RunE:  c.runCompare,
	}
	faqCmd := &cobra.Command{
		Use:   "faq [document_id]",
		Short: "Show the FAQs generated for a document",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runFAQ,
	}
	faqCmd.Flags().Bool("generate", false, "generate FAQs if none exist yet")
	faqCmd.Flags().Bool("regenerate", false, "discard existing FAQs and generate them again")
	suggestCmd := &cobra.Command{
		Use:   "suggest",
		Short: "Show suggested questions",
		Args:  cobra.NoArgs,
		RunE:  c.runSuggest,
	}
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent non-streamed answers",
		Args:  cobra.NoArgs,
		RunE:  c.runHistory,
	}

	// --- Config ---
	configCmd := &cobra.Command{
		Use:         "config",
		Short:       "Inspect the configuration",
		Annotations: map[string]string{annotationSetup: setupConfigOnly},
	}
	configShowCmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration as YAML",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationSetup: setupConfigOnly},
		RunE:        c.runConfigShow, // Defined in cmd_config.go
	}
	configPathCmd := &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationSetup: setupConfigOnly},
		RunE:        c.runConfigPath,
	}
	configCmd.AddCommand(configShowCmd, configPathCmd)

	versionCmd := &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationSetup: setupConfigOnly},
		RunE:        c.runVersion,
	}

	c.root.AddCommand(
		askCmd, chatCmd,
		sessionsCmd,
		docsCmd, progressCmd,
		resultsCmd, compareCmd, faqCmd, suggestCmd, historyCmd,
		configCmd, versionCmd,
	)
	return c
}

// execute runs the command tree with args and releases the App.
func (c *cli) execute(ctx context.Context, args []string) error {
	c.root.SetArgs(args)
	defer c.shutdown()
	return c.root.ExecuteContext(ctx)
}

// setup loads the configuration, applies flag overrides and builds the
// logger, printer and, unless the command only needs configuration, the
// App.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{
		Path:     c.opts.configPath,
		EnvFiles: c.envFiles,
		Lookup:   c.lookup,
		OnCreate: func(path string) {
			fmt.Fprintf(c.errOut, "Created default configuration at %s\n", path)
		},
	})
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.API.URL = c.opts.apiURL
	}
	if flags.Changed("personality") {
		cfg.UI.Personality = c.opts.personality
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = c.opts.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = c.opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	c.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "memodesk",
		JSON:    cfg.Logging.JSON,
		Quiet:   !flags.Changed("log-level"),
		Writer:  c.errOut,
	})

	personality, err := ux.ParsePersonalityLevel(cfg.UI.Personality)
	if err != nil {
		return err
	}
	_, fromEnv := c.lookup(config.EnvPersonality)
	personality = ux.ResolvePersonality(personality, flags.Changed("personality") || fromEnv, c.out)
	c.printer = ux.NewPrinter(c.out, c.errOut, personality)

	if cmd.Annotations[annotationSetup] == setupConfigOnly {
		return nil
	}
	app, err := newApp(cmd.Context(), cfg, c.logger, c.printer)
	if err != nil {
		return err
	}
	c.app = app
	c.logger.Debug("memodesk started",
		"command", cmd.CommandPath(),
		"api", cfg.API.URL,
		"sessions", cfg.Sessions.Backend,
	)
	return nil
}

// shutdown closes the App and the logger.
func (c *cli) shutdown() {
	if c.app != nil {
		if err := c.app.Close(); err != nil {
			c.logger.Warn("shutdown", "error", err)
		}
		c.app = nil
	}
	if c.logger != nil {
		_ = c.logger.Close()
	}
}

// confirmer picks how to ask yes/no questions: a huh form on a terminal,
// a plain prompt on piped input, and never in machine mode.
func (c *cli) confirmer() ux.Confirmer {
	if c.printer.Machine() {
		return ux.RefuseConfirmer{}
	}
	if f, ok := c.in.(*os.File); ok && ux.IsTerminal(f) {
		return ux.HuhConfirmer{}
	}
	return ux.LineConfirmer{In: ux.NewPlainReader(c.in), Out: c.out}
}

// confirm asks title unless yes is set.
func (c *cli) confirm(yes bool, title, description string) (bool, error) {
	if yes {
		return true, nil
	}
	return c.confirmer().Confirm(title, description)
}
