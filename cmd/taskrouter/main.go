// Package main provides the taskrouter command line interface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/deepnoodle-ai/taskrouter"
	"github.com/deepnoodle-ai/taskrouter/agent"
	"github.com/deepnoodle-ai/taskrouter/state"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

// flags holds the global command line options.
type flags struct {
	configPath string
	stateDir   string
	patterns   string
	logLevel   string
	workDir    string
	jsonOutput bool
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "taskrouter",
		Short:         "Route tasks to workers as resumable workflows",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `taskrouter classifies a free-text task, picks the workers that should handle
it and runs them as a persisted workflow. Interrupted workflows can be
resumed from their last completed step.`,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&f.stateDir, "state-dir", "", "Directory for workflow and agent state")
	pf.StringVar(&f.patterns, "patterns", "", "Pattern table file (YAML)")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&f.workDir, "dir", ".", "Working directory for the file and shell workers")
	pf.BoolVar(&f.jsonOutput, "json", false, "Print results as JSON")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "Show step level progress")

	cmd.AddCommand(
		classifyCmd(f),
		runCmd(f),
		resumeCmd(f),
		workflowsCmd(f),
		cleanupCmd(f),
		agentsCmd(f),
	)
	return cmd
}

func classifyCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <task>",
		Short: "Classify a task and show the execution strategy",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			c, err := newClassifier(cfg)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			cl := c.Classify(text)
			strategy, err := c.DetermineStrategy(cl)
			if err != nil {
				return err
			}
			if f.jsonOutput {
				return printJSON(map[string]any{
					"classification": cl,
					"strategy":       strategy,
				})
			}
			color.Cyan("Category: %s (confidence %.2f)", cl.Category, cl.Confidence)
			if len(cl.MatchedKeywords) > 0 {
				fmt.Printf("  keywords:  %s\n", strings.Join(cl.MatchedKeywords, ", "))
			}
			if cl.SecondaryCategory != "" {
				fmt.Printf("  secondary: %s\n", cl.SecondaryCategory)
			}
			fmt.Printf("  strategy:  %s\n", strategy.Type)
			if strategy.Template != "" {
				fmt.Printf("  template:  %s\n", strategy.Template)
				for _, step := range strategy.Steps {
					fmt.Printf("    - %s: %s.%s\n", step.ID, step.Worker, step.Action)
				}
			} else if len(strategy.Workers) > 0 {
				fmt.Printf("  workers:   %s\n", strings.Join(strategy.Workers, ", "))
			}
			return nil
		},
	}
}

func runCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Classify a task and execute it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.orchestrator.Run(cmd.Context(), strings.Join(args, " "))
			if result != nil {
				if perr := showResult(f, result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func resumeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [workflow-id]",
		Short: "Resume one or all unfinished workflows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				result, err := a.orchestrator.Resume(cmd.Context(), args[0])
				if result != nil {
					if perr := showResult(f, result); perr != nil {
						return perr
					}
				}
				return err
			}
			results, err := a.orchestrator.ResumeAll(cmd.Context())
			if len(results) == 0 && err == nil {
				color.Blue("No unfinished workflows")
				return nil
			}
			for _, result := range results {
				if perr := showResult(f, result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func workflowsCmd(f *flags) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List persisted workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			states, closeStore, err := newStateManager(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			filter := make([]state.WorkflowStatus, 0, len(statuses))
			for _, s := range statuses {
				filter = append(filter, state.WorkflowStatus(s))
			}
			workflows := states.ListWorkflows(filter...)
			if f.jsonOutput {
				return printJSON(workflows)
			}
			if len(workflows) == 0 {
				color.Blue("No workflows")
				return nil
			}
			for _, wf := range workflows {
				statusColor(wf.Status).Printf("%-11s", wf.Status)
				fmt.Printf(" %s  %d/%d steps  %s  %q\n",
					wf.WorkflowID, wf.CurrentStep, len(wf.Plan),
					wf.UpdatedAt.Local().Format("2006-01-02 15:04:05"), wf.Task)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only list workflows with these statuses")
	return cmd
}

func cleanupCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete workflows older than the maximum state age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			states, closeStore, err := newStateManager(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer closeStore()

			removed, err := states.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			color.Green("Removed %d expired workflows (older than %s)", removed, cfg.MaxStateAge)
			return nil
		},
	}
}

func agentsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the built-in workers and their actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			caps := a.bus.QueryCapabilities(cmd.Context(), taskrouter.DefaultSenderName)
			if f.jsonOutput {
				return printJSON(caps)
			}
			names := make([]string, 0, len(caps))
			for name := range caps {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				result := caps[name]
				if result.Error != "" {
					color.Red("%-8s %s", name, result.Error)
					continue
				}
				color.New(color.FgCyan).Printf("%-8s", name)
				if c, ok := result.Capabilities.(agent.Capabilities); ok {
					fmt.Printf(" %s [%s]\n", c.Description, strings.Join(c.Actions, ", "))
				} else {
					fmt.Printf(" %v\n", result.Capabilities)
				}
			}
			return nil
		},
	}
}

func showResult(f *flags, result *taskrouter.Result) error {
	if f.jsonOutput {
		return printJSON(result)
	}
	statusColor(result.Status).Printf("Workflow %s %s\n", result.WorkflowID, result.Status)
	if len(result.Skipped) > 0 {
		fmt.Printf("  skipped: %s\n", strings.Join(result.Skipped, ", "))
	}
	failed := make([]string, 0, len(result.Failures))
	for id := range result.Failures {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		color.Red("  %s: %s", id, result.Failures[id])
	}
	if result.Output != nil {
		color.Magenta("Output:")
		data, err := json.MarshalIndent(result.Output, "  ", "  ")
		if err != nil {
			fmt.Printf("  %v\n", result.Output)
			return nil
		}
		fmt.Printf("  %s\n", data)
	}
	return nil
}

func statusColor(status state.WorkflowStatus) *color.Color {
	switch status {
	case state.WorkflowStatusCompleted:
		return color.New(color.FgGreen)
	case state.WorkflowStatusFailed:
		return color.New(color.FgRed)
	case state.WorkflowStatusInProgress:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgWhite)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
