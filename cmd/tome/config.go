package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/tome/internal/api"
	"github.com/jackzampolin/tome/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the local configuration file",
	Long: `Manage tome's configuration file (~/.tome/config.yaml).

Values resolve in order: defaults, the config file, then TOME_ environment
variables (TOME_EXPANSION_MAX_REVISIONS sets expansion.max_revisions).
A running server picks up file changes for new runs.`,
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		path := cfgFile
		if path == "" {
			path = h.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show the effective value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := localConfig()
		if err != nil {
			return err
		}
		value, err := cm.Lookup(args[0])
		if err != nil {
			return err
		}
		return api.Output(config.Entry{Key: args[0], Value: value})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a value to the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := localConfig()
		if err != nil {
			return err
		}
		var value any
		if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
			value = args[1]
		}
		if err := cm.Set(args[0], value); err != nil {
			return err
		}
		fmt.Printf("Set %s in %s\n", args[0], cm.ConfigFile())
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every setting with its effective value",
	RunE: func(cmd *cobra.Command, args []string) error {
		cm, err := localConfig()
		if err != nil {
			return err
		}
		defaults := config.DefaultEntries()
		sort.Slice(defaults, func(i, j int) bool { return defaults[i].Key < defaults[j].Key })

		entries := make([]config.Entry, 0, len(defaults))
		for _, def := range defaults {
			value, err := cm.Lookup(def.Key)
			if err != nil {
				continue
			}
			entries = append(entries, config.Entry{Key: def.Key, Value: value, Description: def.Description})
		}
		return api.Output(entries)
	},
}

func localConfig() (*config.Manager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	return loadConfig(h)
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}
