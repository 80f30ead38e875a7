package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/domain/insight"
	"taskforge/internal/domain/task"
	"taskforge/internal/domain/workspace"
	"taskforge/internal/proposal"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusColor(s string) string {
	switch s {
	case "completed", "ready", "active", "idle":
		return green(s)
	case "failed", "archived", "disabled":
		return red(s)
	case "degraded_mode", "auto_recovering", "in_progress", "cooling_down":
		return yellow(s)
	default:
		return gray(s)
	}
}

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Create and inspect workspaces",
	}

	var name, goalText string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ws workspace.Workspace
			err := newClient().post("/workspaces/", map[string]string{
				"name": name, "goal_text": goalText,
			}, &ws)
			if err != nil {
				return fatalErr(err)
			}
			fmt.Printf("%s %s\n", green("created"), bold(ws.ID))
			fmt.Printf("  name: %s\n  goal: %s\n", ws.Name, ws.GoalText)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "workspace name")
	create.Flags().StringVar(&goalText, "goal", "", "free-text goal for the workspace")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("goal")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Workspaces []workspace.Workspace `json:"workspaces"`
			}
			if err := newClient().get("/workspaces/", &resp); err != nil {
				return fatalErr(err)
			}
			for _, ws := range resp.Workspaces {
				fmt.Printf("%s  %-16s %s\n", ws.ID, statusColor(string(ws.Status)), ws.Name)
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <workspace-id>",
		Short: "Show a workspace with derived counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap workspace.Snapshot
			if err := newClient().get("/workspaces/"+args[0], &snap); err != nil {
				return fatalErr(err)
			}
			fmt.Printf("%s  %s (%s)\n", bold(snap.ID), snap.Name, statusColor(string(snap.Status)))
			fmt.Printf("  goal:          %s\n", snap.GoalText)
			fmt.Printf("  health:        %s\n", snap.Health)
			fmt.Printf("  goals active:  %d\n", snap.ActiveGoals)
			fmt.Printf("  tasks open:    %d  completed: %d\n", snap.PendingTasks, snap.CompletedTasks)
			fmt.Printf("  deliverables:  %d open\n", snap.OpenDeliverables)
			if snap.CriticalExplanations > 0 {
				fmt.Printf("  %s %d recovery explanations need review\n", red("!"), snap.CriticalExplanations)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list, get)
	return cmd
}

func newProposeCmd() *cobra.Command {
	var goalText, feedback string
	cmd := &cobra.Command{
		Use:   "propose <workspace-id>",
		Short: "Draft a goal decomposition and team proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prop proposal.Proposal
			err := newClient().post("/workspaces/"+args[0]+"/proposal", map[string]string{
				"goal": goalText, "feedback": feedback,
			}, &prop)
			if err != nil {
				return fatalErr(err)
			}

			fmt.Printf("proposal %s\n", bold(prop.ID))
			fmt.Println(bold("goals:"))
			for _, g := range prop.Goals {
				fmt.Printf("  - %s (%s, target %.0f, %s)\n", g.Description, g.MetricType, g.TargetValue, g.Priority)
			}
			fmt.Println(bold("team:"))
			for _, m := range prop.Team {
				fmt.Printf("  - %s: %s %s [%s]\n", m.Name, m.Seniority, m.Role, strings.Join(m.Skills, ", "))
			}
			fmt.Printf("\napprove with: taskforge approve %s --proposal %s\n", args[0], prop.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&goalText, "goal", "", "override the workspace goal text")
	cmd.Flags().StringVar(&feedback, "feedback", "", "operator guidance for the decomposition")
	return cmd
}

func newApproveCmd() *cobra.Command {
	var proposalID, feedback string
	cmd := &cobra.Command{
		Use:   "approve <workspace-id>",
		Short: "Approve a proposal and start autonomous execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status                     string `json:"status"`
				SeededTasks                int    `json:"seeded_tasks"`
				EstimatedCompletionSeconds int    `json:"estimated_completion_seconds"`
			}
			path := "/workspaces/" + args[0] + "/approve?proposal_id=" + url.QueryEscape(proposalID)
			err := newClient().post(path, map[string]string{"feedback": feedback}, &resp)
			if err != nil {
				return fatalErr(err)
			}
			fmt.Printf("%s  %d tasks seeded, estimated %ds to completion\n",
				green(resp.Status), resp.SeededTasks, resp.EstimatedCompletionSeconds)
			return nil
		},
	}
	cmd.Flags().StringVar(&proposalID, "proposal", "", "proposal id to approve")
	cmd.Flags().StringVar(&feedback, "feedback", "", "guidance folded into seeded tasks")
	_ = cmd.MarkFlagRequired("proposal")
	return cmd
}

func newTasksCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks <workspace-id>",
		Short: "List workspace tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/workspaces/" + args[0] + "/tasks/"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var resp struct {
				Tasks []task.Task `json:"tasks"`
			}
			if err := newClient().get(path, &resp); err != nil {
				return fatalErr(err)
			}
			for _, t := range resp.Tasks {
				line := fmt.Sprintf("%s  %-14s p=%.2f  %s", t.ID, statusColor(string(t.Status)), t.PriorityScore, t.Name)
				if t.RecoveryCount > 0 {
					line += yellow(fmt.Sprintf("  (recovered %dx)", t.RecoveryCount))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	return cmd
}

func newDeliverablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deliverables <workspace-id>",
		Short: "List workspace deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Deliverables []deliverable.Deliverable `json:"deliverables"`
			}
			if err := newClient().get("/workspaces/"+args[0]+"/deliverables/", &resp); err != nil {
				return fatalErr(err)
			}
			for _, d := range resp.Deliverables {
				fmt.Printf("%s  %-12s %s (%d tasks, value %.2f, display %s)\n",
					d.ID, statusColor(string(d.Status)), d.Title,
					len(d.ContributingTasks), d.BusinessValueScore, d.TransformationStatus)
			}
			return nil
		},
	}
}

func newRecoveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery <workspace-id>",
		Short: "Show the recovery audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]json.RawMessage
			if err := newClient().post("/workspaces/"+args[0]+"/recovery", nil, &resp); err != nil {
				return fatalErr(err)
			}
			pretty, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		},
	}
}

func newInsightsCmd() *cobra.Command {
	var kind string
	var minConfidence float64
	cmd := &cobra.Command{
		Use:   "insights <workspace-id>",
		Short: "Query workspace memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if kind != "" {
				q.Set("kind", kind)
			}
			if minConfidence > 0 {
				q.Set("min_confidence", fmt.Sprintf("%g", minConfidence))
			}
			path := "/workspaces/" + args[0] + "/insights/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var resp struct {
				Insights []insight.Insight `json:"insights"`
			}
			if err := newClient().get(path, &resp); err != nil {
				return fatalErr(err)
			}
			for _, in := range resp.Insights {
				fmt.Printf("[%s] %.2f  %s\n", in.Kind, in.Confidence, in.Content)
				if len(in.Tags) > 0 {
					fmt.Printf("       %s\n", gray(strings.Join(in.Tags, ", ")))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "comma-separated insight kinds")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "minimum confidence")
	return cmd
}
