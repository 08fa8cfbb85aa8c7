package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"botherd/internal/app"
	"botherd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	botCmd := flag.String("bot-cmd", "", "bot runner executable; receives the bot type as argv[1] and the payload on stdin")
	flag.Parse()

	runner := buildRunner(*botCmd)

	a, err := app.NewApp(*cfgPath, runner)
	if err != nil {
		fmt.Fprintf(os.Stderr, "botherd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "botherd: start: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "botherd: stop: %v\n", err)
		os.Exit(1)
	}
	if err := a.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "botherd: %v\n", err)
		os.Exit(1)
	}
}

// buildRunner wires the external bot boundary. Bots live outside this
// process: the runner executes the configured program with the bot type
// as its argument and the job payload on stdin, and parses an optional
// JSON result from stdout.
func buildRunner(botCmd string) worker.Runner {
	if botCmd == "" {
		return worker.RunnerFunc(func(_ context.Context, botType string, _ json.RawMessage) (worker.Result, error) {
			return worker.Result{}, fmt.Errorf("no -bot-cmd configured, cannot run bot %q", botType)
		})
	}
	return worker.RunnerFunc(func(ctx context.Context, botType string, payload json.RawMessage) (worker.Result, error) {
		cmd := exec.CommandContext(ctx, botCmd, botType)
		cmd.Stdin = bytes.NewReader(payload)
		cmd.Stderr = os.Stderr
		out, err := cmd.Output()
		if err != nil {
			return worker.Result{}, fmt.Errorf("bot %s: %w", botType, err)
		}
		var res struct {
			Summary    json.RawMessage `json:"summary"`
			LeadsFound int             `json:"leads_found"`
			LeadsSaved int             `json:"leads_saved"`
		}
		if len(bytes.TrimSpace(out)) > 0 {
			if err := json.Unmarshal(out, &res); err != nil {
				return worker.Result{}, fmt.Errorf("bot %s: bad result: %w", botType, err)
			}
		}
		return worker.Result{
			Summary:    res.Summary,
			LeadsFound: res.LeadsFound,
			LeadsSaved: res.LeadsSaved,
		}, nil
	})
}
