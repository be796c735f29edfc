package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/agency/internal/taskgraph"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"tasks"},
		Short:   "Work with the task graph of a running server",
	}
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskShowCommand())
	cmd.AddCommand(newTaskStatusCommand())
	cmd.AddCommand(newTaskCollaborateCommand())
	return cmd
}

func newTaskListCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			data, err := newClient().get("/api/v1/tasks", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	var (
		spec taskgraph.TaskSpec
		file string
	)
	cmd := &cobra.Command{
		Use:   "create [description]",
		Short: "Create a task, or a batch from a JSON file",
		Example: `  agency task create "write the parser" --assign lead --dep t1 --dep t2
  agency task create --file plan.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			if file != "" {
				raw, err := readFile(file)
				if err != nil {
					return err
				}
				var batch []taskgraph.TaskSpec
				if err := json.Unmarshal(raw, &batch); err != nil {
					return fmt.Errorf("failed to parse %s: %w", file, err)
				}
				body = map[string]interface{}{"tasks": batch}
			} else {
				spec.Description = strings.Join(args, " ")
				if spec.Description == "" {
					return fmt.Errorf("description is required")
				}
				body = spec
			}
			data, err := newClient().post("/api/v1/tasks", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "Task id (generated when empty)")
	cmd.Flags().StringVar(&spec.AssignedTo, "assign", "", "Agent to assign")
	cmd.Flags().StringSliceVar(&spec.Dependencies, "dep", nil, "Dependency task id (repeatable)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON array of task specs")
	return cmd
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/tasks/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newTaskStatusCommand() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := taskgraph.ParseStatus(args[1]); err != nil {
				return err
			}
			body := map[string]interface{}{"status": args[1]}
			if result != "" {
				body["result"] = result
			}
			data, err := newClient().post("/api/v1/tasks/"+url.PathEscape(args[0])+"/status", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVar(&result, "result", "", "Result to record with the status")
	return cmd
}

func newTaskCollaborateCommand() *cobra.Command {
	var (
		agents   []string
		strategy string
	)
	cmd := &cobra.Command{
		Use:   "collaborate <task-id>",
		Short: "Ask several agents about a task and fuse their answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if len(agents) > 0 {
				body["agent_ids"] = agents
			}
			if strategy != "" {
				body["strategy"] = strategy
			}
			data, err := newClient().post("/api/v1/tasks/"+url.PathEscape(args[0])+"/collaborate", body)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&agents, "agent", "a", nil, "Agent id (repeatable, default all)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Fusion strategy")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result := map[string]interface{}{}

			if data, err := client.get("/healthz", nil); err == nil {
				var v interface{}
				if json.Unmarshal(data, &v) == nil {
					result["health"] = v
				}
			} else {
				result["health"] = map[string]string{"error": err.Error()}
			}

			if data, err := client.get("/api/v1/tasks", nil); err == nil {
				var list struct {
					Counts map[string]int `json:"counts"`
				}
				if json.Unmarshal(data, &list) == nil {
					result["tasks"] = list.Counts
				}
			}

			if data, err := client.get("/api/v1/models", nil); err == nil {
				var v interface{}
				if json.Unmarshal(data, &v) == nil {
					result["models"] = v
				}
			}

			out, err := json.Marshal(result)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func readFile(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
