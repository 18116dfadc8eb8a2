package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rontubot/rondesk/internal/eventbus"
	"github.com/rontubot/rondesk/internal/supervisor"
	"github.com/rontubot/rondesk/internal/tasks"
	"github.com/spf13/cobra"
)

func dialSocket(ctx context.Context, _, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", defaultSocketPath())
}

func apiClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DialContext: dialSocket},
	}
}

// apiCall sends body (if any) as JSON and decodes the response into v (if
// non-nil).
func apiCall(method, path string, body, v any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://rondesk"+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is rondesk daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func apiGet(path string, v any) error {
	return apiCall(http.MethodGet, path, nil, v)
}

func apiPost(path string, body, v any) error {
	return apiCall(http.MethodPost, path, body, v)
}

func printStatus(st supervisor.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tLIFECYCLE\tPID\tCONTROL PORT\tUPTIME")
	pid := "-"
	if st.PID > 0 {
		pid = fmt.Sprintf("%d", st.PID)
	}
	port := "-"
	if st.ControlPort > 0 {
		port = fmt.Sprintf("%d", st.ControlPort)
	}
	uptime := "-"
	if !st.StartedAt.IsZero() && st.IsRunning {
		uptime = time.Since(st.StartedAt).Truncate(time.Second).String()
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.State, st.Lifecycle, pid, port, uptime)
	w.Flush()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show assistant status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st supervisor.Status
		if err := apiGet("/v1/assistant", &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"up"},
	Short:   "Start the assistant",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		var body any
		if username != "" {
			body = map[string]string{"username": username}
		}
		var st supervisor.Status
		if err := apiPost("/v1/assistant/start", body, &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"down"},
	Short:   "Stop the assistant",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st supervisor.Status
		if err := apiPost("/v1/assistant/stop", nil, &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Toggle listening (pause or resume)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := apiPost("/v1/assistant/listening", nil, &result); err != nil {
			return err
		}
		fmt.Println(result["listen"])
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:       "record <start|stop>",
	Short:     "Start or stop a manual recording",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"start", "stop"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] != "start" && args[0] != "stop" {
			return fmt.Errorf("record: want start or stop, got %q", args[0])
		}
		var result map[string]string
		if err := apiPost("/v1/assistant/recording/"+args[0], nil, &result); err != nil {
			return err
		}
		fmt.Printf("recording %s\n", result["recording"])
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent assistant output",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet(fmt.Sprintf("/v1/assistant/logs?n=%d", n), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <message...>",
	Short: "Send a message to Ron and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return runChat(strings.Join(args, " "), timeout)
	},
}

// runChat subscribes to the event stream before sending, so no chunk of the
// reply can be missed.
func runChat(text string, timeout time.Duration) error {
	dialer := websocket.Dialer{NetDialContext: dialSocket, HandshakeTimeout: 5 * time.Second}
	topics := []eventbus.Topic{eventbus.TopicStreamChunk, eventbus.TopicStreamDone, eventbus.TopicStreamError, eventbus.TopicCommandResults}
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = string(t)
	}
	conn, _, err := dialer.Dial("ws://rondesk/v1/events?topics="+strings.Join(names, ","), nil)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is rondesk daemon running?)", err)
	}
	defer conn.Close()

	var accepted struct {
		RequestID string `json:"request_id"`
	}
	if err := apiPost("/v1/chat", map[string]string{"text": text}, &accepted); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var ev struct {
			Type    eventbus.Topic  `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("waiting for reply: %w", err)
		}

		switch ev.Type {
		case eventbus.TopicStreamChunk:
			var p eventbus.StreamChunk
			if json.Unmarshal(ev.Payload, &p) == nil && p.RequestID == accepted.RequestID {
				fmt.Print(p.Text)
			}
		case eventbus.TopicStreamDone:
			var p eventbus.StreamDone
			if json.Unmarshal(ev.Payload, &p) == nil && p.RequestID == accepted.RequestID {
				fmt.Println()
				if p.Shutdown {
					fmt.Fprintln(os.Stderr, "Ron ended the session.")
				}
				return nil
			}
		case eventbus.TopicStreamError:
			var p eventbus.StreamError
			if json.Unmarshal(ev.Payload, &p) == nil && p.RequestID == accepted.RequestID {
				fmt.Println()
				return errors.New(p.Message)
			}
		case eventbus.TopicCommandResults:
			// Results of earlier requests can still arrive; only print ours.
			var p eventbus.CommandResults
			if json.Unmarshal(ev.Payload, &p) == nil && p.RequestID == accepted.RequestID {
				for _, r := range p.Results {
					fmt.Fprintf(os.Stderr, "[%s] ok=%t %s%s\n", r.Action, r.OK, r.Message, r.Error)
				}
			}
		}
	}
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List background tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []tasks.Task
		if err := apiGet("/v1/tasks", &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No tasks")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tSOURCE\tDESCRIPTION")
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n", t.ID, t.Kind, t.Status, t.Progress, t.Source, t.Description)
		}
		w.Flush()

		for _, t := range list {
			switch {
			case t.Error != nil:
				fmt.Printf("\n%s: %s", t.ID, *t.Error)
			case t.ResultSummary != nil:
				fmt.Printf("\n%s: %s", t.ID, *t.ResultSummary)
			}
		}
		fmt.Println()
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t tasks.Task
		if err := apiPost("/v1/tasks/"+args[0]+"/cancel", nil, &t); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", t.ID, t.Status)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodDelete, "/v1/tasks/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("%s: deleted\n", args[0])
		return nil
	},
}

var taskClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove completed tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]int
		if err := apiPost("/v1/tasks/clear-completed", nil, &result); err != nil {
			return err
		}
		fmt.Printf("Removed %d completed task(s)\n", result["removed"])
		return nil
	},
}

var apiBaseCmd = &cobra.Command{
	Use:   "api-base <url>",
	Short: "Set the remote API base URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := apiCall(http.MethodPut, "/v1/config/api-base", map[string]string{"api_base": args[0]}, &result); err != nil {
			return err
		}
		fmt.Printf("API base: %s\n", result["api_base"])
		if os.Getenv("RON_API_URL") != "" {
			fmt.Println("Note: RON_API_URL is set in this shell; a daemon started with it ignores the saved value.")
		}
		return nil
	},
}

func init() {
	startCmd.Flags().String("username", "", "user identity passed to the assistant")
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	chatCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the reply")

	tasksCmd.AddCommand(taskCancelCmd)
	tasksCmd.AddCommand(taskDeleteCmd)
	tasksCmd.AddCommand(taskClearCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(apiBaseCmd)
}
