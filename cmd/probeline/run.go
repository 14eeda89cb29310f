package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/probeline/probeline/event"
	"github.com/probeline/probeline/model"
	"github.com/probeline/probeline/workflow"
)

// runCmd starts one workflow against a running server and streams its
// events to stdout until the workflow reaches a terminal state.
func runCmd() *cobra.Command {
	var (
		serverURL    string
		intent       string
		environment  string
		scope        []string
		excludeTools []string
		timeBudget   time.Duration
		outputJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "run <target>",
		Short: "Start a workflow and stream its events",
		Example: `  probeline run staging.example.com --intent "test the checkout API for injection"
  probeline run app.example.com --env production --scope "*.example.com" --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.StartRequest{
				Target:     args[0],
				UserIntent: intent,
				Constraints: model.Constraints{
					Scope:        scope,
					Environment:  model.Environment(environment),
					TimeBudget:   timeBudget,
					ExcludeTools: excludeTools,
				},
			}
			return runWorkflow(serverURL, req, outputJSON)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8380", "Probeline server URL")
	cmd.Flags().StringVar(&intent, "intent", "", "What to assess (required)")
	cmd.Flags().StringVar(&environment, "env", "staging", "Target environment (development, staging, production)")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "Scope globs the workflow may probe")
	cmd.Flags().StringSliceVar(&excludeTools, "exclude-tool", nil, "Tools that must not run")
	cmd.Flags().DurationVar(&timeBudget, "time-budget", 0, "Total workflow time cap (0 = none)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Emit raw event JSON instead of formatted lines")
	_ = cmd.MarkFlagRequired("intent")

	return cmd
}

func runWorkflow(serverURL string, req workflow.StartRequest, outputJSON bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+"/api/workflows", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("start workflow: %s: %s", resp.Status, e.Error)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Fprintf(os.Stderr, "workflow %s started\n", created.ID)

	stream, err := http.Get(serverURL + "/api/workflows/" + created.ID + "/events")
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe: %s", stream.Status)
	}

	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if outputJSON {
			fmt.Println(scanner.Text())
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		fmt.Println(formatEvent(ev))
	}
	return scanner.Err()
}

// formatEvent renders one event as a human-readable line.
func formatEvent(ev event.Event) string {
	ts := ev.Timestamp.Local().Format("15:04:05")

	var detail string
	switch ev.Kind {
	case event.KindWorkflowStatus:
		detail, _ = ev.Data["status"].(string)
		if errMsg, ok := ev.Data["error"].(string); ok && errMsg != "" {
			detail += " (" + errMsg + ")"
		}
	case event.KindPhaseStart:
		phase, _ := ev.Data["phase"].(string)
		detail = phase
	case event.KindPhaseComplete:
		phase, _ := ev.Data["phase"].(string)
		detail = fmt.Sprintf("%s findings=%v advanced=%v", phase, ev.Data["findings"], ev.Data["advanced"])
	case event.KindInvocationStart, event.KindInvocationComplete:
		tool, _ := ev.Data["tool"].(string)
		detail = tool
		if outcome, ok := ev.Data["outcome"].(string); ok {
			detail += " " + outcome
		}
	case event.KindApprovalRequest:
		tool, _ := ev.Data["tool"].(string)
		reason, _ := ev.Data["reason"].(string)
		id, _ := ev.Data["approval_id"].(string)
		detail = fmt.Sprintf("%s: %s (approval id %s)", tool, reason, id)
	default:
		detail = compactData(ev.Data)
	}

	return fmt.Sprintf("%s %-20s %s", ts, ev.Kind, detail)
}

func compactData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}
