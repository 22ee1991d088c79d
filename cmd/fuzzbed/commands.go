package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fuzzbed/fuzzbed/internal/api"
	"github.com/fuzzbed/fuzzbed/internal/client"
	"github.com/fuzzbed/fuzzbed/internal/config"
	"github.com/fuzzbed/fuzzbed/internal/inspect"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/manifest"
	"github.com/fuzzbed/fuzzbed/internal/tui"
)

const (
	defaultServer  = "127.0.0.1:5000"
	requestTimeout = 30 * time.Second
)

type clientFlags struct {
	server string
	apiKey string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	server := os.Getenv(config.EnvServer)
	if server == "" {
		server = defaultServer
	}
	fs.StringVar(&cf.server, "server", server, "fuzzbed server address ($SERVER)")
	fs.StringVar(&cf.apiKey, "api-key", os.Getenv(config.EnvAPIKey), "API bearer token ($FUZZBED_API_KEY)")
	return cf
}

func (cf *clientFlags) client() *client.Client {
	var opts []client.Option
	if cf.apiKey != "" {
		opts = append(opts, client.WithAPIKey(cf.apiKey))
	}
	return client.New(cf.server, opts...)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	name := fs.String("name", "workspace", "Name of the workspace")
	manifestPath := fs.String("config", "", "Manifest to validate and copy into the workspace")
	tests := fs.String("tests", "", "Comma-separated harness files to copy into the workspace")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	harnessPaths := splitList(*tests)
	harnessPaths = append(harnessPaths, fs.Args()...)
	if (*manifestPath == "") != (len(harnessPaths) == 0) {
		fmt.Fprintln(os.Stderr, "Error: --config and --tests must be given together")
		return 1
	}

	req, err := buildInitRequest(*name, *manifestPath, harnessPaths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	resp, err := cf.client().Init(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Init failed: %v\n", err)
		return 1
	}
	fmt.Printf("Initialized workspace %q at %s (executor %s, image %s)\n",
		resp.WorkspaceName, resp.WorkspacePath, resp.Executor, resp.ImageTag)
	return 0
}

// buildInitRequest reads the manifest and harness files locally so the
// server never needs access to the caller's filesystem.
func buildInitRequest(name, manifestPath string, harnessPaths []string) (api.InitRequest, error) {
	req := api.InitRequest{WorkspaceName: name}
	if manifestPath != "" {
		doc, err := manifest.Load(manifestPath)
		if err != nil {
			return req, err
		}
		req.Manifest = doc
	}
	if len(harnessPaths) > 0 {
		req.Harnesses = make(map[string]string, len(harnessPaths))
		for _, p := range harnessPaths {
			data, err := os.ReadFile(p)
			if err != nil {
				return req, fmt.Errorf("read harness: %w", err)
			}
			base := filepath.Base(p)
			if _, dup := req.Harnesses[base]; dup {
				return req, fmt.Errorf("harness %q given twice", base)
			}
			req.Harnesses[base] = string(data)
		}
	}
	return req, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	outTests := fs.Bool("out_tests", false, "Also list the harnesses of each workspace")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	c := cf.client()
	list, err := c.Workspaces(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "No workspaces available")
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if *outTests {
		fmt.Fprintln(w, "NAME\tPATH\tTESTS")
	} else {
		fmt.Fprintln(w, "NAME\tPATH")
	}
	for _, h := range list {
		if !*outTests {
			fmt.Fprintf(w, "%s\t%s\n", h.Name, h.Path)
			continue
		}
		tests, err := c.Tests(ctx, h.Name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "List tests for %s failed: %v\n", h.Name, err)
			return 1
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.Name, h.Path, strings.Join(tests, ", "))
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	target := fs.String("target", "", "Workspace to start a job for")
	jobName := fs.String("job_name", "", "Job name (generated when empty)")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *target == "" {
		fmt.Fprintln(os.Stderr, "Usage: fuzzbed start --target WORKSPACE [--job_name NAME]")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	resp, err := cf.client().Start(ctx, api.StartRequest{WorkspaceName: *target, JobName: *jobName})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to start job for %q: %v\n", *target, err)
		return 1
	}
	fmt.Printf("Job %s for %q is %s. Run `fuzzbed ps --job_name %s` to follow it.\n",
		resp.JobName, *target, resp.State, resp.JobName)
	return 0
}

func runPs(args []string) int {
	fs := flag.NewFlagSet("ps", flag.ContinueOnError)
	jobName := fs.String("job_name", "", "Show a single job")
	state := fs.String("state", "", "Only list jobs in this state")
	history := fs.Bool("history", false, "Show the transition history of --job_name")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *history && *jobName == "" {
		fmt.Fprintln(os.Stderr, "Error: --history requires --job_name")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	c := cf.client()

	if *history {
		transitions, err := c.History(ctx, *jobName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
			return 1
		}
		if *jsonOut {
			return printJSON(transitions)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "AT\tFROM\tTO\tREASON")
		for _, t := range transitions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.At.Format(time.RFC3339), orDash(string(t.From)), t.To, t.Reason)
		}
		return flush(w)
	}

	var list []jobs.Record
	if *jobName != "" {
		rec, err := c.Job(ctx, *jobName)
		if client.NotFound(err) {
			fmt.Fprintf(os.Stderr, "No job named %q\n", *jobName)
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "ps failed: %v\n", err)
			return 1
		}
		list = []jobs.Record{rec}
	} else {
		var err error
		list, err = c.Jobs(ctx, jobs.State(*state))
		if err != nil {
			fmt.Fprintf(os.Stderr, "ps failed: %v\n", err)
			return 1
		}
	}

	if *jsonOut {
		return printJSON(list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "JOB\tWORKSPACE\tSTATE\tCREATED\tREASON")
	for _, rec := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.JobName, rec.WorkspaceName, rec.State, rec.CreatedAt.Format(time.RFC3339), rec.FailureReason)
	}
	return flush(w)
}

func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	jobName := fs.String("job_name", "", "Job to stop")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *jobName == "" && fs.NArg() == 1 {
		*jobName = fs.Arg(0)
	}
	if *jobName == "" {
		fmt.Fprintln(os.Stderr, "Usage: fuzzbed stop --job_name NAME")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	resp, err := cf.client().Stop(ctx, *jobName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stop failed: %v\n", err)
		return 1
	}
	fmt.Printf("Job %s is %s\n", resp.JobName, resp.State)
	if resp.CleanupIncomplete {
		fmt.Println("Warning: the container did not confirm it stopped; check the engine manually.")
	}
	return 0
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	jobName := fs.String("job_name", "", "Job to inspect")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *jobName == "" && fs.NArg() == 1 {
		*jobName = fs.Arg(0)
	}
	if *jobName == "" {
		fmt.Fprintln(os.Stderr, "Usage: fuzzbed inspect --job_name NAME [--json]")
		return 1
	}

	ctx, cancel := requestContext()
	defer cancel()
	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	out, err := build(ctx, cf.client(), *jobName, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(out)
	if *jsonOut {
		fmt.Println()
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := tui.Run(cf.client(), cf.server); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func flush(w *tabwriter.Writer) int {
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write output: %v\n", err)
		return 1
	}
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
