package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	noWait      bool
	description string
	timeoutSecs int
	scriptFile  string
	statusOpt   string
	commandOpt  string
	nodeOpt     string
	limitOpt    int
	sinceOpt    int64
)

func main() {
	root := &cobra.Command{
		Use:          "bastionctl",
		Short:        "CLI client for the boundless-bastion control plane",
		SilenceUsage: true,
	}

	defaultServer := os.Getenv("BASTION_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Control plane URL")

	// Commands
	commandsCmd := &cobra.Command{Use: "commands", Short: "Manage commands"}
	commandsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List commands",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/api/v1/commands", nil)
		},
	})
	createCmd := &cobra.Command{
		Use:   "create [name] [script]",
		Short: "Create a command (script from argument, --file or stdin)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCreateCommand,
	}
	createCmd.Flags().StringVarP(&description, "description", "d", "", "Command description")
	createCmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "Timeout in seconds (default 300)")
	createCmd.Flags().StringVarP(&scriptFile, "file", "f", "", "Read the script from a file")
	commandsCmd.AddCommand(createCmd)
	commandsCmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/api/v1/commands/"+url.PathEscape(args[0]), nil)
		},
	})
	root.AddCommand(commandsCmd)

	// Nodes
	nodesCmd := &cobra.Command{Use: "nodes", Short: "Manage nodes"}
	nodesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List nodes with reachability",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/api/v1/nodes", nil)
		},
	})
	nodesCmd.AddCommand(&cobra.Command{
		Use:   "add [name] [address]",
		Short: "Register a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPost, "/api/v1/nodes", map[string]string{"name": args[0], "address": args[1]})
		},
	})
	nodesCmd.AddCommand(&cobra.Command{
		Use:   "remove [id]",
		Short: "Remove a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/api/v1/nodes/"+url.PathEscape(args[0]), nil)
		},
	})
	root.AddCommand(nodesCmd)

	// Run a command on a node
	runCmd := &cobra.Command{
		Use:   "run [command-id] [node-id]",
		Short: "Dispatch a command to a node",
		Args:  cobra.ExactArgs(2),
		RunE:  runDispatch,
	}
	runCmd.Flags().BoolVar(&noWait, "no-wait", false, "Return as soon as the execution is accepted")
	root.AddCommand(runCmd)

	// Executions
	execsCmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent executions",
		Args:  cobra.NoArgs,
		RunE:  runListExecutions,
	}
	execsCmd.Flags().StringVar(&statusOpt, "status", "", "Filter by status")
	execsCmd.Flags().StringVar(&commandOpt, "command", "", "Filter by command id")
	execsCmd.Flags().StringVar(&nodeOpt, "node", "", "Filter by node id")
	execsCmd.Flags().IntVar(&limitOpt, "limit", 20, "Maximum executions to show")
	root.AddCommand(execsCmd)

	root.AddCommand(&cobra.Command{
		Use:   "get [execution-id]",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0]), nil)
		},
	})

	// GPU telemetry
	gpuCmd := &cobra.Command{
		Use:   "gpu",
		Short: "Show GPU chart rows",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			q := url.Values{}
			if sinceOpt > 0 {
				q.Set("since", fmt.Sprint(sinceOpt))
			}
			if nodeOpt != "" {
				q.Set("node_id", nodeOpt)
			}
			return call(http.MethodGet, "/api/v1/gpu/chart?"+q.Encode(), nil)
		},
	}
	gpuCmd.Flags().Int64Var(&sinceOpt, "since", 0, "Only samples at or after this epoch second")
	gpuCmd.Flags().StringVar(&nodeOpt, "node", "", "Filter by node id")
	root.AddCommand(gpuCmd)

	// Health check
	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/health", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCreateCommand(_ *cobra.Command, args []string) error {
	var script string
	switch {
	case len(args) == 2:
		script = args[1]
	case scriptFile != "":
		data, err := os.ReadFile(scriptFile)
		if err != nil {
			return fmt.Errorf("reading script file: %w", err)
		}
		script = string(data)
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		script = string(data)
	}

	payload := map[string]any{
		"name":        args[0],
		"description": description,
		"script":      script,
	}
	if timeoutSecs > 0 {
		payload["timeout_seconds"] = timeoutSecs
	}
	return call(http.MethodPost, "/api/v1/commands", payload)
}

func runDispatch(_ *cobra.Command, args []string) error {
	path := "/api/v1/execute"
	if noWait {
		path += "?wait=false"
	}
	result, err := request(http.MethodPost, path, map[string]string{
		"command_id": args[0],
		"node_id":    args[1],
	})
	if err != nil {
		return err
	}
	printJSON(result)

	// Exit with the remote exit code
	if m, ok := result.(map[string]any); ok {
		if exitCode, ok := m["exit_code"].(float64); ok && exitCode != 0 {
			os.Exit(int(exitCode) & 0xff)
		}
		if status, _ := m["status"].(string); status == "failed" {
			os.Exit(1)
		}
	}
	return nil
}

func runListExecutions(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if statusOpt != "" {
		q.Set("status", statusOpt)
	}
	if commandOpt != "" {
		q.Set("command_id", commandOpt)
	}
	if nodeOpt != "" {
		q.Set("node_id", nodeOpt)
	}
	if limitOpt > 0 {
		q.Set("limit", fmt.Sprint(limitOpt))
	}
	return call(http.MethodGet, "/api/v1/executions?"+q.Encode(), nil)
}

// call performs a request and pretty prints the response.
func call(method, path string, body any) error {
	result, err := request(method, path, body)
	if err != nil {
		return err
	}
	if result != nil {
		printJSON(result)
	}
	return nil
}

func request(method, path string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 6 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		fmt.Println("ok")
		return nil, nil
	}

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		if m, ok := result.(map[string]any); ok {
			return nil, fmt.Errorf("%s: %v", m["code"], m["error"])
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return result, nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}
