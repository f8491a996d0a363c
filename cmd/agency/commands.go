package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/darianrosebrook/agent-agency/pkg/client"
	"github.com/darianrosebrook/agent-agency/pkg/types"
)

func daemonClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.NewClient(addr)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := daemonClient(cmd).Shutdown(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Shutdown requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status, err := daemonClient(cmd).Status(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Uptime:      %s\n", status.Uptime)
		fmt.Printf("Agents:      %d\n", status.Agents)
		fmt.Printf("Queue depth: %d\n", status.QueueDepth)
		fmt.Printf("In flight:   %d\n", status.InFlight)
		fmt.Printf("Workers:     %d\n", status.Workers)
		if len(status.Tasks) > 0 {
			fmt.Println("Tasks:")
			for state, count := range status.Tasks {
				fmt.Printf("  %-15s %d\n", state, count)
			}
		}
		return nil
	},
}

var submitTaskCmd = &cobra.Command{
	Use:   "submit-task <spec-file>",
	Short: "Submit a task and wait for its verdict",
	Long: `Submit a task described by a YAML spec file and wait for completion.

Exits 0 when the task completes with an approved verdict, 2 when policy
validation rejects the outcome, and 1 on any other failure.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var req types.TaskRequest
		if err := yaml.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("parsing task spec: %w", err)
		}

		wait, _ := cmd.Flags().GetDuration("wait")
		c := daemonClient(cmd)

		ctx, cancel := context.WithTimeout(context.Background(), wait+30*time.Second)
		defer cancel()

		task, err := c.SubmitTask(ctx, &req)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s submitted\n", task.ID)

		final, err := c.WaitTask(ctx, task.ID, wait)
		if err != nil {
			return err
		}
		fmt.Printf("Task %s finished: %s\n", final.ID, final.State)

		if final.State != types.TaskStateCompleted {
			fmt.Printf("  reason: %s\n", final.StateReason)
			os.Exit(1)
		}

		verdict, err := c.GetVerdict(ctx, final.VerdictID)
		if err != nil {
			return err
		}
		fmt.Printf("Verdict %s: %s (confidence %.2f)\n", verdict.ID, verdict.Outcome, verdict.Confidence)
		for _, v := range verdict.Violations {
			fmt.Printf("  %s: %s\n", v.RuleID, v.Message)
		}
		if verdict.Outcome == types.VerdictRejected {
			os.Exit(2)
		}
		return nil
	},
}

var cancelTaskCmd = &cobra.Command{
	Use:   "cancel-task <task-id>",
	Short: "Request cooperative cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := daemonClient(cmd).CancelTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested for %s\n", args[0])
		return nil
	},
}

var listAgentsCmd = &cobra.Command{
	Use:   "list-agents",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		agents, err := daemonClient(cmd).ListAgents(ctx)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents registered")
			return nil
		}

		fmt.Printf("%-20s %-12s %-10s %-8s %s\n", "ID", "MODEL", "STATUS", "LOAD", "KINDS")
		for _, a := range agents {
			kinds := ""
			if a.Capability != nil {
				for i, k := range a.Capability.TaskKinds {
					if i > 0 {
						kinds += ","
					}
					kinds += k
				}
			}
			util := 0.0
			if a.Load != nil {
				util = a.Load.Utilization
			}
			fmt.Printf("%-20s %-12s %-10s %6.1f%% %s\n", a.ID, a.ModelFamily, a.Status, util, kinds)
		}
		return nil
	},
}

var registerAgentCmd = &cobra.Command{
	Use:   "register-agent <profile-file>",
	Short: "Register an agent from a YAML profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var profile types.AgentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return fmt.Errorf("parsing agent profile: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		registered, err := daemonClient(cmd).RegisterAgent(ctx, &profile)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Agent %s registered\n", registered.ID)
		return nil
	},
}

var unregisterAgentCmd = &cobra.Command{
	Use:   "unregister-agent <agent-id>",
	Short: "Remove an agent from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := daemonClient(cmd).UnregisterAgent(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Agent %s unregistered\n", args[0])
		return nil
	},
}

var replayVerdictCmd = &cobra.Command{
	Use:   "replay-verdict <verdict-id>",
	Short: "Re-run a verdict's validation from provenance",
	Long: `Replay a published verdict against its recorded inputs.

Exits 0 when the replay reproduces the original verdict and 1 when the
outcomes diverge, printing each difference.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := daemonClient(cmd).ReplayVerdict(ctx, args[0])
		if err != nil {
			return err
		}

		if len(result.Diffs) == 0 {
			fmt.Printf("✓ Verdict %s reproduced: %s\n", result.Original.ID, result.Original.Outcome)
			return nil
		}

		fmt.Printf("Verdict %s did NOT reproduce:\n", result.Original.ID)
		for _, diff := range result.Diffs {
			fmt.Printf("  %s\n", diff)
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	submitTaskCmd.Flags().Duration("wait", 5*time.Minute, "How long to wait for completion")
}
