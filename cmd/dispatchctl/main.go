// Package main is the command-line control client for a running dispatch
// daemon: submit and follow tasks, manage providers, inspect budgets and
// spend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/client"
	"github.com/snow-ghost/dispatch/pkg/dispatcher"
	"github.com/snow-ghost/dispatch/pkg/streaming"
)

var (
	version   = "0.1.0"
	serverURL string
	timeout   time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Control a running dispatch daemon",
		Long: `dispatchctl talks to the dispatch daemon's HTTP API.

Submit a task:           dispatchctl submit "write a haiku about the sea"
Follow it live:          dispatchctl submit --stream "explain this error"
Check spend:             dispatchctl costs --group-by provider
Manage providers:        dispatchctl providers list`,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(), "dispatch server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatchctl v%s\n", version)
		},
	})

	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(budgetsCmd())
	rootCmd.AddCommand(costsCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultServer() string {
	if url := os.Getenv("DISPATCH_SERVER"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func newClient() *client.Client {
	return client.NewClient(client.Config{
		BaseURL: serverURL,
		Timeout: timeout,
	})
}

func submitCmd() *cobra.Command {
	var callerID, providerOverride string
	var deadline time.Duration
	var wait, stream bool

	cmd := &cobra.Command{
		Use:   "submit [text]",
		Short: "Submit a task for dispatch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			c := newClient()

			taskID, err := c.Submit(context.Background(), text, &client.SubmitOptions{
				CallerID:         callerID,
				Deadline:         deadline,
				ProviderOverride: providerOverride,
			})
			if err != nil {
				return err
			}

			if stream {
				return streamTask(c, taskID)
			}
			if wait {
				status, err := c.Wait(context.Background(), taskID, 200*time.Millisecond)
				if err != nil {
					return err
				}
				printStatus(status)
				if status.State != core.StateSuccess {
					return fmt.Errorf("task finished in state %s", status.State)
				}
				return nil
			}

			fmt.Println(taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&callerID, "caller", "", "caller ID for throttling and cost attribution")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "overall task deadline, fallbacks included (e.g. 90s)")
	cmd.Flags().StringVar(&providerOverride, "provider", "", "pin the task to one provider ID")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the task finishes and print the result")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream output chunks as they arrive")
	return cmd
}

func statusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show the current state of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().Status(context.Background(), args[0])
			if err != nil {
				return err
			}

			if asJSON {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printStatus(status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status as JSON")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [task-id]",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Cancel(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream [task-id]",
		Short: "Follow a task's output stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamTask(newClient(), args[0])
		},
	}
}

// streamTask prints chunks to stdout as they arrive and a settlement
// summary to stderr once the task finishes.
func streamTask(c *client.Client, taskID string) error {
	var result *core.Result
	var taskErr error
	chunks := 0

	handler := &streaming.StreamHandler{
		OnChunk: func(ch core.Chunk) error {
			chunks++
			fmt.Print(ch.Content)
			return nil
		},
		OnResult: func(r core.Result) error {
			result = &r
			return nil
		},
		OnError: func(err error) error {
			taskErr = err
			return nil
		},
	}

	if err := c.Stream(context.Background(), taskID, handler); err != nil {
		return err
	}
	if taskErr != nil {
		return taskErr
	}
	if result != nil {
		if chunks == 0 {
			fmt.Print(result.Output)
		}
		fmt.Println()
		fmt.Fprintf(os.Stderr, "provider=%s cost=$%.6f tokens=%d/%d latency=%dms\n",
			result.ProviderID, result.CostUSD,
			result.Usage.InputTokens, result.Usage.OutputTokens, result.LatencyMs)
	}
	return nil
}

func printStatus(status dispatcher.TaskStatus) {
	fmt.Printf("Task:       %s\n", status.TaskID)
	fmt.Printf("State:      %s\n", status.State)
	fmt.Printf("Submitted:  %s\n", status.SubmittedAt.Format(time.RFC3339))
	if status.FinishedAt != nil {
		fmt.Printf("Finished:   %s\n", status.FinishedAt.Format(time.RFC3339))
	}
	if status.Classification != nil {
		fmt.Printf("Class:      %s (complexity %d, ~%d context tokens)\n",
			status.Classification.TaskType,
			status.Classification.Complexity,
			status.Classification.EstimatedContextTokens)
		if status.Classification.PrivacySensitive {
			fmt.Println("Privacy:    sensitive (local providers only)")
		}
	}
	if status.Error != "" {
		fmt.Printf("Error:      %s\n", status.Error)
	}
	if len(status.Attempts) > 0 {
		fmt.Println("Attempts:")
		for _, a := range status.Attempts {
			fmt.Printf("  %-18s %-12s %-14s %s\n", a.ProviderID, a.Stage, a.Outcome, a.Reason)
		}
	}
	if status.Result != nil {
		fmt.Printf("Provider:   %s\n", status.Result.ProviderID)
		fmt.Printf("Cost:       $%.6f\n", status.Result.CostUSD)
		fmt.Printf("Tokens:     %d in / %d out\n",
			status.Result.Usage.InputTokens, status.Result.Usage.OutputTokens)
		fmt.Printf("Latency:    %dms\n", status.Result.LatencyMs)
		fmt.Printf("\n%s\n", status.Result.Output)
	}
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage the provider registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			providers, err := newClient().Providers(context.Background())
			if err != nil {
				return err
			}

			if len(providers) == 0 {
				fmt.Println("No providers registered.")
				return nil
			}

			fmt.Printf("%-18s %-6s %-8s %10s %10s  %s\n",
				"ID", "KIND", "TIER", "IN/1K", "OUT/1K", "MODEL")
			for _, p := range providers {
				fmt.Printf("%-18s %-6s %-8s %10.5f %10.5f  %s\n",
					p.ID, p.Kind, p.Tier,
					p.Pricing.InputPer1K, p.Pricing.OutputPer1K, p.Model)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [file]",
		Short: "Register a provider from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read provider file: %w", err)
			}

			var p core.Provider
			if filepath.Ext(args[0]) == ".json" {
				err = json.Unmarshal(data, &p)
			} else {
				err = yaml.Unmarshal(data, &p)
			}
			if err != nil {
				return fmt.Errorf("failed to parse provider file: %w", err)
			}

			if err := newClient().AddProvider(context.Background(), p); err != nil {
				return err
			}
			fmt.Printf("Added provider %s\n", p.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [provider-id]",
		Short: "Deregister a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().RemoveProvider(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed provider %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func budgetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budgets",
		Short: "Show per-provider spend against caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			budgets, err := newClient().Budgets(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("%-18s %12s %12s %12s %12s %6s\n",
				"PROVIDER", "DAY SPENT", "DAY CAP", "MONTH SPENT", "MONTH CAP", "HARD")
			for _, b := range budgets {
				fmt.Printf("%-18s %12.4f %12s %12.4f %12s %6v\n",
					b.ProviderID,
					b.Day.SpentUSD, capString(b.Day.CapUSD),
					b.Month.SpentUSD, capString(b.Month.CapUSD),
					b.HardStop)
			}
			return nil
		},
	}
}

func capString(capUSD float64) string {
	if capUSD <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.2f", capUSD)
}

func costsCmd() *cobra.Command {
	var taskID, providerID, outcome, groupBy, from, to, output string
	var limit int
	var asCSV bool

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Report settled spend from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := client.CostQuery{
				TaskID:     taskID,
				ProviderID: providerID,
				Outcome:    core.Outcome(outcome),
				GroupBy:    groupBy,
				Limit:      limit,
			}
			if from != "" {
				t, err := parseTime(from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				query.From = t
			}
			if to != "" {
				t, err := parseTime(to)
				if err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
				query.To = t
			}

			c := newClient()
			if asCSV {
				data, err := c.ExportCostsCSV(context.Background(), query)
				if err != nil {
					return err
				}
				if output != "" {
					if err := os.WriteFile(output, data, 0644); err != nil {
						return fmt.Errorf("failed to write export: %w", err)
					}
					fmt.Printf("Exported to %s\n", output)
					return nil
				}
				fmt.Print(string(data))
				return nil
			}

			report, err := c.Costs(context.Background(), query)
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&providerID, "provider", "", "filter by provider ID")
	cmd.Flags().StringVar(&outcome, "outcome", "", "filter by outcome (success, error, ...)")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "group the report (provider, outcome, task, kind)")
	cmd.Flags().StringVar(&from, "from", "", "start of the range (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "end of the range (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the number of records")
	cmd.Flags().BoolVar(&asCSV, "csv", false, "export matching records as CSV")
	cmd.Flags().StringVar(&output, "output", "", "write the CSV export to a file")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func printReport(report accounting.Report) {
	fmt.Printf("Records:    %d (%d successful)\n",
		report.Summary.TotalRecords, report.Summary.SuccessCount)
	fmt.Printf("Spend:      $%.6f\n", report.Summary.TotalCostUSD)
	fmt.Printf("Tokens:     %d in / %d out\n",
		report.Summary.TotalInputTokens, report.Summary.TotalOutputTokens)

	if len(report.Groups) > 0 {
		fmt.Printf("\n%-24s %10s %10s %14s\n", strings.ToUpper(report.GroupBy), "RECORDS", "SUCCESS", "SPEND USD")
		for _, g := range report.Groups {
			fmt.Printf("%-24s %10d %10d %14.6f\n",
				g.GroupValue, g.Summary.TotalRecords, g.Summary.SuccessCount, g.Summary.TotalCostUSD)
		}
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the daemon is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Health(context.Background()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
