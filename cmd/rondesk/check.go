package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/rontubot/rondesk/internal/app"
	"github.com/rontubot/rondesk/internal/config"
	"github.com/spf13/cobra"
)

type checkResult struct {
	Path      string   `json:"path"`
	Valid     bool     `json:"valid"`
	Assistant string   `json:"assistant,omitempty"`
	APIBase   string   `json:"api_base,omitempty"`
	Problems  []string `json:"problems,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [config-file]",
	Short: "Validate the rondesk config file",
	Long:  "Parse and validate the YAML config. Checks the given file or the default (~/.rondesk/config.yaml).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "print the result as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")

	path := config.DefaultPath()
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cannot access %s: %w", path, err)
	}

	res := checkConfig(path)
	if jsonOut {
		return printJSON(res)
	}

	if res.Valid {
		fmt.Printf("OK    %s (assistant %s, api %s)\n", res.Path, res.Assistant, res.APIBase)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAIL  %s\n", res.Path)
	for _, p := range res.Problems {
		fmt.Fprintf(os.Stderr, "      %s\n", p)
	}
	return fmt.Errorf("%d problem(s) in %s", len(res.Problems), res.Path)
}

func checkConfig(path string) checkResult {
	res := checkResult{Path: path}

	raw, err := config.Load(path)
	if err != nil {
		res.Problems = append(res.Problems, err.Error())
		return res
	}
	cfg := raw.Resolve()
	res.Assistant = cfg.Assistant.Command

	base := cfg.APIBase
	if base == "" {
		base = config.DefaultAPIBase
	}
	if normalized, err := app.NormalizeAPIBase(base); err != nil {
		res.Problems = append(res.Problems, err.Error())
	} else {
		res.APIBase = normalized
	}

	if _, err := exec.LookPath(cfg.Assistant.Command); err != nil {
		res.Problems = append(res.Problems, fmt.Sprintf("assistant command: %v", err))
	}
	if p := cfg.Assistant.Port(); p < 0 || p > 65535 {
		res.Problems = append(res.Problems, fmt.Sprintf("control_port %d out of range", p))
	}
	if cfg.APIAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.APIAddr); err != nil {
			res.Problems = append(res.Problems, fmt.Sprintf("api_addr: %v", err))
		}
	}

	res.Valid = len(res.Problems) == 0
	return res
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
