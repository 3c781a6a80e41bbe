package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/render"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configUnsetCmd, configPathCmd)

	configListCmd.Flags().Bool("show-secrets", false, "print secret values unmasked")
	configListCmd.Flags().Bool("changed", false, "only show values that differ from the defaults")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list [section]",
	Short: "Show configuration grouped by section",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showSecrets, _ := cmd.Flags().GetBool("show-secrets")
		changedOnly, _ := cmd.Flags().GetBool("changed")
		prefix := ""
		if len(args) == 1 {
			prefix = strings.TrimSuffix(args[0], ".") + "."
		}

		entries, err := configEntries(loadConfig(), !showSecrets)
		if err != nil {
			return err
		}
		shown := entries[:0]
		for _, e := range entries {
			if changedOnly && !e.Changed {
				continue
			}
			if prefix != "" && !strings.HasPrefix(e.Key, prefix) {
				continue
			}
			shown = append(shown, e)
		}
		fmt.Fprintln(os.Stdout, newRenderer().Config(shown))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value, or every value in a section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if errors.Is(err, config.ErrUnknownKey) {
			return printSection(args[0], err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, formatValue(val))
		return nil
	},
}

// printSection renders the keys under section, or returns notFound when
// there are none.
func printSection(section string, notFound error) error {
	entries, err := configEntries(loadConfig(), true)
	if err != nil {
		return err
	}
	prefix := section + "."
	var matched []render.ConfigEntry
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return notFound
	}
	fmt.Fprintln(os.Stdout, newRenderer().Config(matched))
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		before, err := config.GetValue(cfgPath, key)
		if err != nil && !errors.Is(err, config.ErrUnknownKey) {
			return err
		}
		if err := config.SetValue(cfgPath, key, args[1]); err != nil {
			return err
		}
		after, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, describeChange(key, before, after))
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		before, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		if err := config.ResetValue(cfgPath, key); err != nil {
			return err
		}
		after, err := config.GetValue(cfgPath, key)
		if errors.Is(err, config.ErrUnknownKey) {
			fmt.Fprintf(os.Stdout, "%s removed\n", key)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, describeChange(key, before, after))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}

// configEntries flattens cfg and marks values that differ from the
// defaults. With mask set, secrets are reduced to their last characters.
func configEntries(cfg *config.Config, mask bool) ([]render.ConfigEntry, error) {
	values, err := config.ListValues(cfg, mask)
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	defs, err := config.DefaultValues()
	if err != nil {
		return nil, err
	}
	entries := make([]render.ConfigEntry, 0, len(values))
	for k, v := range values {
		def, known := defs[k]
		secret := config.IsSecretKey(k)
		entries = append(entries, render.ConfigEntry{
			Key:     k,
			Value:   formatValue(v),
			Secret:  secret && mask && v != "",
			Changed: !known || formatValue(def) != formatValue(v),
		})
	}
	return entries, nil
}

// describeChange prints "key: old -> new", hiding secret values.
func describeChange(key string, before, after any) string {
	if config.IsSecretKey(key) {
		return key + " updated"
	}
	if before == nil {
		return fmt.Sprintf("%s = %s", key, formatValue(after))
	}
	return fmt.Sprintf("%s: %s -> %s", key, formatValue(before), formatValue(after))
}

// formatValue prints strings bare and everything else as JSON.
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
