package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskdeck/internal/daemon"
	"taskdeck/internal/ipc"
	"taskdeck/internal/model"
)

func dialDaemon() (*ipc.Client, error) {
	base, err := baseDir()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(daemon.SocketPath(base)), nil
}

func sendCommand(command string, params any) (*ipc.Response, error) {
	client, err := dialDaemon()
	if err != nil {
		return nil, err
	}
	resp, err := client.SendCommand(command, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		code, msg := "unknown", "unknown error"
		if resp.Error != nil {
			code, msg = resp.Error.Code, resp.Error.Message
		}
		return nil, fmt.Errorf("%s failed [%s]: %s", command, code, msg)
	}
	return resp, nil
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live sessions and the waiting queue",
		RunE: func(*cobra.Command, []string) error {
			resp, err := sendCommand("status", nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
				fmt.Println(string(out))
				return nil
			}

			var data struct {
				Snapshot   model.Snapshot `json:"snapshot"`
				Queued     int            `json:"queued"`
				ListenAddr string         `json:"listen_addr"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			fmt.Printf("daemon listening on %s\n", data.ListenAddr)
			fmt.Printf("sessions: %d/%d active, %d queued\n\n",
				data.Snapshot.Count, data.Snapshot.MaxConcurrent, data.Queued)
			if len(data.Snapshot.Sessions) == 0 {
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tCLI\tPID\tCONTEXT\tUPTIME")
			for _, s := range data.Snapshot.Sessions {
				ctxPct := "-"
				if s.ContextPercent > 0 {
					ctxPct = fmt.Sprintf("%.0f%%", s.ContextPercent)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.TaskID, s.Status, s.CLIType, s.PID, ctxPct,
					time.Since(s.StartedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "emit raw JSON")
	return cmd
}

func newStopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every live session and drain the queue",
		RunE: func(*cobra.Command, []string) error {
			if _, err := sendCommand("stop-all", nil); err != nil {
				return err
			}
			fmt.Println("all sessions stopped")
			return nil
		},
	}
}

func newShutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the daemon to exit",
		RunE: func(*cobra.Command, []string) error {
			if _, err := sendCommand("shutdown", nil); err != nil {
				return err
			}
			fmt.Println("daemon shutting down")
			return nil
		},
	}
}
