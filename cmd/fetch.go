package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/app"
	"github.com/JakeFAU/renderfetch/internal/batch"
	"github.com/JakeFAU/renderfetch/internal/config"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

// engineOptions lets tests swap the browser for a fake.
var engineOptions []app.Option

type fetchFlags struct {
	file        string
	output      string
	scheduler   string
	timeout     int
	concurrency int
	headless    bool
	mobile      bool
	userAgent   string
}

func newFetchCmd() *cobra.Command {
	var flags fetchFlags
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch a list of URLs and write one JSON line per URL",
		Long: `Fetches every URL given as an argument or listed in --file (one per line,
blank lines and # comments ignored) and writes the results as newline
delimited JSON in input order. The output file is truncated each run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, flags)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.file, "file", "f", "", "read URLs from this file, - for stdin")
	f.StringVarP(&flags.output, "output", "o", "", "output path (overrides fetch.output_path)")
	f.StringVar(&flags.scheduler, "scheduler", "", "threadpool, process or tabpool")
	f.IntVar(&flags.timeout, "timeout", 0, "per-URL timeout in seconds")
	f.IntVarP(&flags.concurrency, "concurrency", "c", 0, "workers, processes or tabs")
	f.BoolVar(&flags.headless, "headless", true, "prefer the headless strategy")
	f.BoolVar(&flags.mobile, "mobile", false, "emulate a mobile device")
	f.StringVar(&flags.userAgent, "user-agent", "", "user agent override")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string, flags fetchFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	urls, err := collectURLs(args, flags.file, cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, err := applyFetchFlags(rt.cfg, cmd, flags)
	if err != nil {
		return err
	}
	params := batch.Parameters{URLs: urls}
	if err := params.Validate(); err != nil {
		return err
	}

	engine, err := app.NewEngine(cfg, rt.logger, engineOptions...)
	if err != nil {
		return err
	}
	out := &countingSink{next: sink.NewFile(cfg.Fetch.OutputPath, rt.logger.Named("sink"))}
	if err := engine.Fetch(cmd.Context(), params, out); err != nil {
		return err
	}
	if errors.Is(cmd.Context().Err(), context.Canceled) {
		rt.logger.Warn("fetch interrupted, partial results written", zap.String("path", cfg.Fetch.OutputPath))
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d results (%d succeeded, %d failed) to %s\n",
		out.counters.Succeeded+out.counters.Failed, out.counters.Succeeded, out.counters.Failed, cfg.Fetch.OutputPath)
	return err
}

// applyFetchFlags overlays the flags the user actually set.
func applyFetchFlags(cfg config.Config, cmd *cobra.Command, flags fetchFlags) (config.Config, error) {
	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.Fetch.OutputPath = flags.output
	}
	if changed("scheduler") {
		cfg.Fetch.Scheduler = flags.scheduler
	}
	if changed("timeout") {
		cfg.Fetch.TimeoutSeconds = flags.timeout
		cfg.Fetch.TabTimeoutSeconds = flags.timeout
	}
	if changed("concurrency") {
		cfg.Fetch.MaxConcurrency = flags.concurrency
	}
	if changed("headless") {
		cfg.Fetch.Headless = flags.headless
	}
	if changed("mobile") {
		cfg.Fetch.Mobile = flags.mobile
	}
	if changed("user-agent") {
		cfg.Fetch.UserAgent = flags.userAgent
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// collectURLs merges positional URLs with those read from file.
func collectURLs(args []string, file string, stdin io.Reader) ([]string, error) {
	urls := make([]string, 0, len(args))
	for _, arg := range args {
		if s := strings.TrimSpace(arg); s != "" {
			urls = append(urls, s)
		}
	}
	if file != "" {
		var r io.Reader = stdin
		if file != "-" {
			fh, err := os.Open(file)
			if err != nil {
				return nil, fmt.Errorf("open url file: %w", err)
			}
			defer fh.Close()
			r = fh
		}
		listed, err := readURLList(r)
		if err != nil {
			return nil, err
		}
		urls = append(urls, listed...)
	}
	if len(urls) == 0 {
		return nil, errors.New("no URLs given: pass them as arguments or with --file")
	}
	return urls, nil
}

func readURLList(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}

type countingSink struct {
	next     sink.Sink
	counters batch.Counters
}

func (c *countingSink) Write(ctx context.Context, results []render.Result) error {
	c.counters = batch.Count(results)
	return c.next.Write(ctx, results)
}
