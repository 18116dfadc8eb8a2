package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the Ron auth token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [value]",
	Short: "Store the auth token",
	Long:  "Store the auth token in the system keychain. If value is omitted, reads from stdin (useful for piping).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value string
		if len(args) == 1 {
			value = args[0]
		} else if term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Print("Enter auth token: ")
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("reading token: %w", err)
			}
			fmt.Println()
			value = string(b)
		} else {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			value = string(b)
		}

		value = strings.TrimSpace(value)
		if value == "" {
			return fmt.Errorf("empty token")
		}
		if err := apiCall(http.MethodPut, "/v1/auth/token", map[string]string{"token": value}, nil); err != nil {
			return err
		}
		fmt.Println("Token stored")
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:     "clear",
	Short:   "Remove the stored auth token",
	Aliases: []string{"rm"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodDelete, "/v1/auth/token", nil, nil); err != nil {
			return err
		}
		fmt.Println("Token removed")
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenClearCmd)
	rootCmd.AddCommand(tokenCmd)
}
