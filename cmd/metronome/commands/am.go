package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate configuration",
	Long: sym.AM + ` am - metronome configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/metronome/am.toml)
3. User config (~/.metronome/am.toml)
4. Project config (./am.toml, searched up from the working directory)
5. .env in the working directory
6. Environment variables (METRONOME_* prefix, e.g. METRONOME_PULSE_WORKERS)

Examples:
  metronome am show               # Show effective configuration
  metronome am show --format json
  metronome am get pulse.workers
  metronome am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		v, err := am.GetViper()
		if err != nil {
			return err
		}
		return showConfig(format, v.AllSettings())
	},
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value by dotted key (e.g. pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := am.GetViper()
		if err != nil {
			return err
		}
		if !v.IsSet(args[0]) {
			return errors.Newf("configuration key %q not found", args[0])
		}
		fmt.Println(v.Get(args[0]))
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return errors.Wrap(err, "configuration validation failed")
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config files are checked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		active := am.ActiveConfigPath()
		for _, path := range am.ConfigPaths() {
			state := "missing"
			if _, err := os.Stat(path); err == nil {
				state = "found"
			}
			marker := " "
			if path == active {
				marker = "*"
			}
			fmt.Printf("%s %-8s %s\n", marker, state, path)
		}
		if active == "" {
			fmt.Println("No config file in use; defaults and environment only")
		}
		return nil
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json")
	AmCmd.AddCommand(amShowCmd, amGetCmd, amValidateCmd, amWhereCmd)
}

func showConfig(format string, settings map[string]interface{}) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# metronome configuration\n%s", string(data))
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", format)
	}
	return nil
}
