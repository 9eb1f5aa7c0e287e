// Command weavergen is the engine's embeddable CLI entrypoint: it wires a
// parsed process definition, the service task registry, and an
// EngineConfig into a single run, printing the run report as JSON on
// stdout and diagnostics on stderr. Subcommands mirror a typical worker
// CLI: validate a process document, run it end to end, or mine a
// candidate process from recorded traces.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/weavergen/engine/internal/bpmn/parse"
	"github.com/weavergen/engine/internal/bpmn/serialize"
	"github.com/weavergen/engine/internal/config"
	"github.com/weavergen/engine/internal/engine"
	"github.com/weavergen/engine/internal/handlers"
	"github.com/weavergen/engine/internal/miner"
	"github.com/weavergen/engine/internal/registry"
	"github.com/weavergen/engine/internal/werrors"
	"github.com/weavergen/engine/internal/xes"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(4)
	}
	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Println("weavergen (dev)")
		os.Exit(0)
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "mine":
		cmdMine(os.Args[2:])
	default:
		usage()
		os.Exit(4)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  weavergen run --process <file.bpmn> [--config <engine.yaml>] [--run-id <id>] [--out <dir>] [--init <json>]")
	fmt.Fprintln(os.Stderr, "  weavergen validate --process <file.bpmn>")
	fmt.Fprintln(os.Stderr, "  weavergen mine --traces <file.json> [--out <file.bpmn>]")
}

func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(4)
	}
	return args[*i]
}

func cmdValidate(args []string) {
	var processPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--process":
			processPath = flagValue(args, &i, "--process")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(4)
		}
	}
	if processPath == "" {
		usage()
		os.Exit(4)
	}
	src, err := os.ReadFile(processPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}
	g, err := parse.Parse(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(werrors.ExitCode(err, false))
	}
	fmt.Printf("ok: %s (%d nodes, %d edges)\n", g.ID, len(g.Nodes), len(g.Edges))
	os.Exit(0)
}

func cmdRun(args []string) {
	var processPath, configPath, runID, outDir, initJSON string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--process":
			processPath = flagValue(args, &i, "--process")
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--run-id":
			runID = flagValue(args, &i, "--run-id")
		case "--out":
			outDir = flagValue(args, &i, "--out")
		case "--init":
			initJSON = flagValue(args, &i, "--init")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(4)
		}
	}
	if processPath == "" {
		usage()
		os.Exit(4)
	}
	if runID == "" {
		runID = "run-" + fmt.Sprintf("%d", os.Getpid())
	}
	if outDir == "" {
		outDir = "."
	}

	src, err := os.ReadFile(processPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}
	g, err := parse.Parse(src)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(werrors.ExitCode(err, false))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}

	reg := registry.New()
	if err := handlers.RegisterBuiltins(reg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}

	initial := map[string]any{}
	if initJSON != "" {
		if err := json.Unmarshal([]byte(initJSON), &initial); err != nil {
			fmt.Fprintln(os.Stderr, "--init: invalid JSON:", err)
			os.Exit(4)
		}
	}

	ctx, cleanup := signalCancelContext()
	eng := engine.New(g, reg, cfg, nil)
	result, err := eng.Run(ctx, runID, initial)
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(werrors.ExitCode(err, false))
	}

	if err := writeArtifacts(outDir, result); err != nil {
		fmt.Fprintln(os.Stderr, "warning: failed to write artefacts:", err)
	}

	report, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(report))

	var runErr error
	if result.Status == "failed" || result.Status == "cancelled" {
		runErr = fmt.Errorf("run ended with status %s", result.Status)
	}
	os.Exit(werrors.ExitCode(runErr, result.Verdict))
}

func writeArtifacts(outDir string, result *engine.RunResult) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	spansJSON, err := json.MarshalIndent(result.Spans, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "execution_spans.json"), spansJSON, 0o644); err != nil {
		return err
	}

	xesDoc, err := xes.Encode(result.RunID, result.Spans)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "execution_trace.xes"), xesDoc, 0o644); err != nil {
		return err
	}

	type taskTiming struct {
		TaskID string `json:"task_id"`
		Ms     int64  `json:"duration_ms"`
	}
	timings := make([]taskTiming, 0, len(result.TaskDurations))
	for id, d := range result.TaskDurations {
		timings = append(timings, taskTiming{TaskID: id, Ms: d.Milliseconds()})
	}
	reportDoc := struct {
		RunID   string       `json:"run_id"`
		Verdict bool         `json:"verdict_passed"`
		Score   float64      `json:"quality_score"`
		Errors  []string     `json:"errors,omitempty"`
		Timings []taskTiming `json:"task_timings"`
	}{
		RunID: result.RunID, Verdict: result.Verdict, Score: result.Score,
		Errors: result.Errors, Timings: timings,
	}
	reportJSON, err := json.MarshalIndent(reportDoc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "execution_report.json"), reportJSON, 0o644)
}

func cmdMine(args []string) {
	var tracesPath, outPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--traces":
			tracesPath = flagValue(args, &i, "--traces")
		case "--out":
			outPath = flagValue(args, &i, "--out")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(4)
		}
	}
	if tracesPath == "" {
		usage()
		os.Exit(4)
	}
	data, err := os.ReadFile(tracesPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(4)
	}
	var raw [][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		fmt.Fprintln(os.Stderr, "--traces: invalid JSON (expected an array of string arrays):", err)
		os.Exit(4)
	}
	traces := make([]miner.Trace, 0, len(raw))
	for _, t := range raw {
		traces = append(traces, miner.Trace(t))
	}

	g, err := miner.MineProcess("mined", traces)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}

	doc, err := serialize.Serialize(g)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mine: failed to emit candidate process as BPMN XML:", err)
		os.Exit(3)
	}
	fmt.Fprintf(os.Stderr, "candidate process %q: %d nodes, %d edges\n", g.ID, len(g.Nodes), len(g.Edges))

	if outPath == "" {
		os.Stdout.Write(doc)
		os.Exit(0)
	}
	if err := os.WriteFile(outPath, doc, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
	os.Exit(0)
}
