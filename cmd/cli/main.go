// Command cli is the operator-facing front end for the engine server:
// submit pipelines, check run status, cancel runs, list agents, and
// inspect/verify the audit ledger. The teacher's own cmd/cli was a single
// hand-rolled switch over os.Args with one "submit" command; this rebuilds
// it on cobra the way fentz26-Neona and ttzrs-urp-cli structure their CLIs,
// keeping the teacher's ✅/❌/⚠️ glyph convention for status output.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blockci/enginecore/internal/ledger"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:   "cli",
		Short: "Operator CLI for the pipeline execution engine",
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("ENGINE_SERVER", "http://localhost:8080"), "engine server base URL")

	root.AddCommand(submitCmd(), statusCmd(), cancelCmd(), agentsCmd(), ledgerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗ %v", err))
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var branch, sha string
	cmd := &cobra.Command{
		Use:   "submit <pipeline.yaml>",
		Short: "Submit a pipeline definition for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read pipeline file: %w", err)
			}
			url := fmt.Sprintf("%s/pipelines?branch=%s&sha=%s", serverURL, branch, sha)
			resp, err := http.Post(url, "application/x-yaml", bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("submit pipeline: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server rejected submission (%d): %s", resp.StatusCode, body)
			}
			fmt.Println(color.GreenString("✅ submitted"), string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch to report as the trigger context")
	cmd.Flags().StringVar(&sha, "sha", "", "commit sha to report as the trigger context")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("%s/runs/%s", serverURL, args[0]))
			if err != nil {
				return fmt.Errorf("fetch run status: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("run %s not found", args[0])
			}
			var run map[string]any
			if err := json.Unmarshal(body, &run); err != nil {
				fmt.Println(string(body))
				return nil
			}
			printRunStatus(run)
			return nil
		},
	}
}

func printRunStatus(run map[string]any) {
	status, _ := run["Status"].(string)
	line := fmt.Sprintf("run %v (#%v): %s", run["ID"], run["RunNumber"], status)
	switch status {
	case "success":
		fmt.Println(color.GreenString("✅ " + line))
	case "failure", "timeout":
		fmt.Println(color.RedString("❌ " + line))
	case "cancelled", "cancelling":
		fmt.Println(color.YellowString("⚠️ " + line))
	default:
		fmt.Println(color.CyanString("… " + line))
	}
}

func cancelCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of an in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/runs/%s/cancel?by=%s", serverURL, args[0], by)
			resp, err := http.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}
			defer resp.Body.Close()
			fmt.Println(color.YellowString("⚠️ cancellation requested for run %s", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "identity to record as the canceller")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/agents")
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			defer resp.Body.Close()
			var agents []map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
				return fmt.Errorf("decode agents: %w", err)
			}
			for _, a := range agents {
				status, _ := a["Status"].(string)
				line := fmt.Sprintf("%v  %v  %s", a["ID"], a["Name"], status)
				if status == "idle" {
					fmt.Println(color.GreenString(line))
				} else if status == "offline" {
					fmt.Println(color.RedString(line))
				} else {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}

func ledgerCmd() *cobra.Command {
	ledger := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or verify the audit ledger",
	}
	ledger.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the ledger's hash chain and signatures",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(serverURL + "/ledger/verify")
			if err != nil {
				return fmt.Errorf("verify ledger: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s", body)
			}
			fmt.Print(color.GreenString("✅ "), string(body))
			return nil
		},
	})
	ledger.AddCommand(&cobra.Command{
		Use:   "inspect <ledger.jsonl>",
		Short: "Print every block in a local ledger file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectLedgerFile(args[0])
		},
	})
	return ledger
}

func inspectLedgerFile(path string) error {
	l, err := ledger.Open(path, nil, nil)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	for _, b := range l.Blocks {
		hash := b.Hash
		if len(hash) > 16 {
			hash = hash[:16]
		}
		fmt.Printf("index=%d kind=%s subject=%s hash=%s\n", b.Index, b.EventKind, b.Subject, hash)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
