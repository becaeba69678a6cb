package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/troupelab/troupe/pkg/models"
	"github.com/troupelab/troupe/pkg/scenario"
)

// The client subcommands drive a running coordinator over its HTTP API and
// map the outcome onto the exit-code contract: 0 success, 1 generic failure,
// 2 validation or template error, 3 scenario not found, 4 engine not found.

const waitPollInterval = 2 * time.Second

func runClientCommand(name string, args []string) int {
	switch name {
	case "run":
		return cmdRun(args)
	case "status":
		return cmdStatus(args)
	case "stop":
		return cmdStop(args)
	case "resume":
		return cmdResume(args)
	case "engines":
		return cmdEngines(args)
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
	return exitFailure
}

// apiClient is a minimal JSON client for the coordinator API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the HTTP status and the server's error message so commands
// can map statuses onto exit codes.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		var apiErr struct {
			Error string `json:"error"`
		}
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
				msg = apiErr.Error
			}
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// reportError prints err and translates it into an exit code. notFoundCode is
// what HTTP 404 means for the command at hand: a missing template is a
// validation problem, a missing run or engine has its own code.
func reportError(err error, notFoundCode int) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest:
			return exitValidation
		case http.StatusNotFound:
			return notFoundCode
		}
	}
	return exitFailure
}

func serverFlag(fs *flag.FlagSet) *string {
	return fs.String("server",
		getEnv("TROUPE_SERVER", "http://localhost:8080"),
		"Coordinator base URL")
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	server := serverFlag(fs)
	name := fs.String("name", "", "Run name (default: derived from the template)")
	configJSON := fs.String("config", "", "Scenario config overrides as a JSON object")
	wait := fs.Bool("wait", false, "Poll until the run reaches a terminal status")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe run [flags] <template-name>")
		return exitValidation
	}

	req := scenario.StartRequest{TemplateName: fs.Arg(0), Name: *name}
	if *configJSON != "" {
		if err := json.Unmarshal([]byte(*configJSON), &req.Config); err != nil {
			fmt.Fprintf(os.Stderr, "invalid -config JSON: %v\n", err)
			return exitValidation
		}
	}

	client := newAPIClient(*server)
	var resp struct {
		ScenarioRunID string                `json:"scenario_run_id"`
		Status        models.ScenarioStatus `json:"status"`
	}
	if err := client.do(http.MethodPost, "/scenarios/execute-from-template", req, &resp); err != nil {
		// A 404 here means the template does not exist.
		return reportError(err, exitValidation)
	}
	fmt.Printf("%s\t%s\n", resp.ScenarioRunID, resp.Status)

	if !*wait {
		return exitOK
	}
	return waitForRun(client, resp.ScenarioRunID)
}

// waitForRun polls the run's status until it reaches a terminal state,
// printing each transition. Completed and terminated runs exit 0, failed
// runs exit 1.
func waitForRun(client *apiClient, runID string) int {
	last := models.ScenarioStatus("")
	for {
		var status scenario.RunStatus
		if err := client.do(http.MethodGet, "/scenarios/"+runID+"/status", nil, &status); err != nil {
			return reportError(err, exitScenarioNotFound)
		}
		if status.Run == nil {
			fmt.Fprintln(os.Stderr, "error: status response missing run")
			return exitFailure
		}
		if status.Run.Status != last {
			last = status.Run.Status
			fmt.Printf("%s\t%s\n", runID, last)
		}
		if last.Terminal() {
			if last == models.ScenarioStatusFailed {
				return exitFailure
			}
			return exitOK
		}
		time.Sleep(waitPollInterval)
	}
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := serverFlag(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe status [flags] <scenario-run-id>")
		return exitValidation
	}

	client := newAPIClient(*server)
	var status scenario.RunStatus
	if err := client.do(http.MethodGet, "/scenarios/"+fs.Arg(0)+"/status", nil, &status); err != nil {
		return reportError(err, exitScenarioNotFound)
	}
	printJSON(status)
	return exitOK
}

func cmdStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	server := serverFlag(fs)
	reason := fs.String("reason", "", "Why the run is being stopped")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe stop [flags] <scenario-run-id>")
		return exitValidation
	}

	client := newAPIClient(*server)
	body := map[string]string{}
	if *reason != "" {
		body["reason"] = *reason
	}
	var run models.ScenarioRun
	if err := client.do(http.MethodPost, "/scenarios/"+fs.Arg(0)+"/stop", body, &run); err != nil {
		return reportError(err, exitScenarioNotFound)
	}
	fmt.Printf("%s\t%s\n", run.ScenarioRunID, run.Status)
	return exitOK
}

func cmdResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	server := serverFlag(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe resume [flags] <scenario-run-id>")
		return exitValidation
	}

	client := newAPIClient(*server)
	var run models.ScenarioRun
	if err := client.do(http.MethodPost, "/scenarios/"+fs.Arg(0)+"/resume", nil, &run); err != nil {
		return reportError(err, exitScenarioNotFound)
	}
	fmt.Printf("%s\t%s\n", run.ScenarioRunID, run.Status)
	return exitOK
}

func cmdEngines(args []string) int {
	fs := flag.NewFlagSet("engines", flag.ExitOnError)
	server := serverFlag(fs)
	engineType := fs.String("type", "", "Filter by engine type (actor, narrator, analyst)")
	status := fs.String("status", "", "Filter by status (healthy, degraded, unhealthy)")
	_ = fs.Parse(args)
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: troupe engines [flags] [engine-id]")
		return exitValidation
	}

	client := newAPIClient(*server)

	if fs.NArg() == 1 {
		var instance models.EngineInstance
		if err := client.do(http.MethodGet, "/engines/"+fs.Arg(0), nil, &instance); err != nil {
			return reportError(err, exitEngineNotFound)
		}
		printJSON(instance)
		return exitOK
	}

	query := ""
	params := make([]string, 0, 2)
	if *engineType != "" {
		params = append(params, "engine_type="+*engineType)
	}
	if *status != "" {
		params = append(params, "status="+*status)
	}
	if len(params) > 0 {
		query = "?" + strings.Join(params, "&")
	}

	var resp struct {
		Engines []*models.EngineInstance `json:"engines"`
		Count   int                      `json:"count"`
	}
	if err := client.do(http.MethodGet, "/engines"+query, nil, &resp); err != nil {
		return reportError(err, exitEngineNotFound)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE ID\tTYPE\tSTATUS\tWORKLOAD\tAGENTS\tLAST HEARTBEAT")
	for _, e := range resp.Engines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s ago\n",
			e.EngineID, e.EngineType, e.Status,
			e.CurrentWorkload, e.ActiveAgents,
			time.Since(e.LastHeartbeat).Round(time.Second))
	}
	_ = w.Flush()
	return exitOK
}
