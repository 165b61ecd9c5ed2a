package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskdeck/internal/config"
	"taskdeck/internal/model"
)

// apiURL resolves the daemon's HTTP address from the config file.
func apiURL(path string) (string, error) {
	base, err := baseDir()
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(configPath(base))
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.ListenAddr + path, nil
}

func apiCall(method, path string, body any) (json.RawMessage, error) {
	url, err := apiURL(path)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w\nIs the daemon running? Start it with: taskdeck serve", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return payload, nil
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Create, list, and control tasks",
	}
	cmd.AddCommand(
		newTasksAddCmd(),
		newTasksListCmd(),
		newTasksStartCmd(),
		newTasksStopCmd(),
		newTasksPauseCmd(),
		newTasksRestartCmd(),
		newTasksDeleteCmd(),
		newTasksProgressCmd(),
	)
	return cmd
}

func newTasksAddCmd() *cobra.Command {
	var (
		projectDir  string
		docPath     string
		cliType     string
		review      string
		callbackURL string
		start       bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a task for a project directory and its task document",
		RunE: func(*cobra.Command, []string) error {
			abs, err := filepath.Abs(projectDir)
			if err != nil {
				return err
			}
			body := map[string]any{
				"project_dir": abs,
				"doc_path":    docPath,
			}
			if cliType != "" {
				body["cli_type"] = cliType
			}
			if review != "" {
				body["review"] = review
			}
			if callbackURL != "" {
				body["callback_url"] = callbackURL
			}

			payload, err := apiCall(http.MethodPost, "/api/tasks", body)
			if err != nil {
				return err
			}
			var task model.Task
			if err := json.Unmarshal(payload, &task); err != nil {
				return err
			}
			fmt.Printf("created %s\n", task.ID)

			if start {
				return startTask(task.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectDir, "project", "", "project directory (required)")
	cmd.Flags().StringVar(&docPath, "doc", "", "task document path relative to the project (required)")
	cmd.Flags().StringVar(&cliType, "cli", "", "CLI to use: claude-code, codex, or gemini (default from settings)")
	cmd.Flags().StringVar(&review, "review", "", "cross-review: on, off, or inherit")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "URL notified when the task completes or fails")
	cmd.Flags().BoolVar(&start, "start", false, "start the task immediately")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(*cobra.Command, []string) error {
			var params any
			if status != "" {
				params = map[string]string{"status": status}
			}
			resp, err := sendCommand("list-tasks", params)
			if err != nil {
				return err
			}
			var data struct {
				Tasks []model.Task `json:"tasks"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return err
			}
			if len(data.Tasks) == 0 {
				fmt.Println("no tasks")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tCLI\tPROJECT\tDOC")
			for _, t := range data.Tasks {
				cli := string(t.CLIType)
				if cli == "" {
					cli = "default"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, cli, t.ProjectDir, t.DocPath)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func startTask(id string) error {
	payload, err := apiCall(http.MethodPost, "/api/tasks/"+id+"/start", nil)
	if err != nil {
		return err
	}
	var result struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", id, result.Result)
	return nil
}

func newTasksStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a task, queueing it when all slots are busy",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return startTask(args[0])
		},
	}
}

func newTasksStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop a task's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiCall(http.MethodPost, "/api/tasks/"+args[0]+"/stop", nil); err != nil {
				return err
			}
			fmt.Printf("%s: stopped\n", args[0])
			return nil
		},
	}
}

func newTasksPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Close a task's window but keep its status; start resumes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiCall(http.MethodPost, "/api/tasks/"+args[0]+"/pause", nil); err != nil {
				return err
			}
			fmt.Printf("%s: paused\n", args[0])
			return nil
		},
	}
}

func newTasksRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <task-id>",
		Short: "Recycle a task's session with a fresh context window",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiCall(http.MethodPost, "/api/tasks/"+args[0]+"/restart", nil); err != nil {
				return err
			}
			fmt.Printf("%s: restarted\n", args[0])
			return nil
		},
	}
}

func newTasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task that has no live session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := apiCall(http.MethodDelete, "/api/tasks/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("%s: deleted\n", args[0])
			return nil
		},
	}
}

func newTasksProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task-id>",
		Short: "Show checkbox progress from the task document",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			payload, err := apiCall(http.MethodGet, "/api/tasks/"+args[0]+"/progress", nil)
			if err != nil {
				return err
			}
			var report struct {
				Total     int `json:"total"`
				Completed int `json:"completed"`
				Remaining int `json:"remaining"`
				Optional  int `json:"optional"`
			}
			if err := json.Unmarshal(payload, &report); err != nil {
				return err
			}
			fmt.Printf("%d/%d completed, %d remaining (%d optional excluded)\n",
				report.Completed, report.Total, report.Remaining, report.Optional)
			return nil
		},
	}
}
