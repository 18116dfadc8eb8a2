//go:build darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the rondesk daemon as a LaunchAgent (starts on login)",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding binary path: %w", err)
		}
		binary, err = filepath.EvalSymlinks(binary)
		if err != nil {
			return fmt.Errorf("resolving binary path: %w", err)
		}

		plistPath, err := launchAgentPath()
		if err != nil {
			return err
		}
		logPath := filepath.Join(rondeskHome(), "daemon.log")

		if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
			return fmt.Errorf("creating LaunchAgents dir: %w", err)
		}
		if err := os.MkdirAll(rondeskHome(), 0700); err != nil {
			return fmt.Errorf("creating state dir: %w", err)
		}

		plist := launchAgentPlist(binary, logPath, os.Getenv("RON_API_URL"))
		if err := os.WriteFile(plistPath, []byte(plist), 0644); err != nil {
			return fmt.Errorf("writing plist: %w", err)
		}

		// A previous install may still be loaded.
		_ = exec.Command("launchctl", "unload", plistPath).Run()
		if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
			return fmt.Errorf("launchctl load: %w", err)
		}

		fmt.Printf("Installed LaunchAgent: %s\n", plistPath)
		fmt.Printf("Binary: %s\n", binary)
		fmt.Printf("Logs: %s\n", logPath)
		fmt.Println("rondesk daemon will start now and on every login.")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the rondesk LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		plistPath, err := launchAgentPath()
		if err != nil {
			return err
		}

		// Not loaded is fine.
		_ = exec.Command("launchctl", "unload", plistPath).Run()

		if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing plist: %w", err)
		}

		fmt.Println("Uninstalled rondesk LaunchAgent.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
