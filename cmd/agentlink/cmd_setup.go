package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("agentlink setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		mode := prompt(scanner, "Backend mode (local|remote)", cfg.Backend.Mode)
		switch mode {
		case "local", "remote":
			cfg.Backend.Mode = mode
		default:
			return fmt.Errorf("invalid backend mode %q", mode)
		}

		if cfg.Backend.Mode == "remote" {
			cfg.Backend.RemoteURL = prompt(scanner, "Remote backend URL", cfg.Backend.RemoteURL)
			if cfg.Backend.RemoteURL == "" {
				return fmt.Errorf("remote mode needs a URL")
			}
		} else {
			port := prompt(scanner, "Local backend port (0 when a supervisor reports it)", strconv.Itoa(cfg.Backend.Port))
			if n, err := strconv.Atoi(port); err == nil && n >= 0 {
				cfg.Backend.Port = n
			}
		}

		cfg.Backend.Directory = prompt(scanner, "Project directory (optional)", cfg.Backend.Directory)
		cfg.Backend.Username = prompt(scanner, "Basic auth username (optional)", cfg.Backend.Username)
		cfg.Backend.Password = prompt(scanner, "Basic auth password (optional)", cfg.Backend.Password)
		cfg.Model.ProviderID = prompt(scanner, "Model provider id (optional)", cfg.Model.ProviderID)
		cfg.Model.ModelID = prompt(scanner, "Model id (optional)", cfg.Model.ModelID)

		enabled := prompt(scanner, "Serve the inspect API (y/n)", yesNo(cfg.HTTP.Enabled))
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(enabled), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "Inspect API listen address", cfg.HTTP.Listen)
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func yesNo(b bool) string {
	if b {
		return "y"
	}
	return "n"
}
