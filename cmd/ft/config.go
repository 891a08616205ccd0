package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Read and change workspace configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of a setting",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		value := config.GetString(args[0])
		if jsonOutput {
			outputJSON(map[string]string{"key": args[0], "value": value})
			return
		}
		fmt.Println(value)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in .fuzztriage/config.yaml",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		wsDir, err := config.FindWorkspaceDir()
		if err != nil {
			FatalError("%v", err)
		}
		path := filepath.Join(wsDir, "config.yaml")
		if err := config.SetYamlConfig(path, args[0], args[1]); err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"key": args[0], "value": args[1], "config": path})
			return
		}
		fmt.Printf("%s %s = %s\n", ui.Icon(ui.IconPass), args[0], args[1])
	},
}

// flattenSettings turns nested viper settings into sorted dotted keys.
func flattenSettings(prefix string, m map[string]interface{}, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenSettings(key, nested, out)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every effective setting",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		flat := map[string]string{}
		flattenSettings("", config.AllSettings(), flat)
		for k := range flat {
			if strings.Contains(k, "password") || strings.Contains(k, "token") || strings.Contains(k, "api-key") {
				if flat[k] != "" {
					flat[k] = "********"
				}
			}
		}
		if jsonOutput {
			outputJSON(flat)
			return
		}
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, flat[k]})
		}
		if used := config.ConfigFileUsed(); used != "" {
			fmt.Println(ui.RenderMuted("config file: " + used))
		}
		fmt.Println(ui.RenderTable([]string{"KEY", "VALUE"}, rows))
	},
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
