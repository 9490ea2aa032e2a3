package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing encmux configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file and no ENCMUX_ environment variables set this prints the
defaults. Redirect the output to create a configuration template:

  encmux config dump > config.yaml

Environment variables use the ENCMUX_ prefix and underscores for nesting.
Example: video.frame_rate -> ENCMUX_VIDEO_FRAME_RATE`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	yamlData, err := yaml.Marshal(appCfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# encmux configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 10ms, 2s, 1h")
	fmt.Fprintln(out, "# Size format: 16KB, 256KB, 1MB")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Environment variable overrides:")
	fmt.Fprintln(out, "#   ENCMUX_OUTPUT_CONTAINER, ENCMUX_OUTPUT_PATH")
	fmt.Fprintln(out, "#   ENCMUX_DATABASE_DRIVER, ENCMUX_DATABASE_DSN")
	fmt.Fprintln(out, "#   ENCMUX_LOGGING_LEVEL, ENCMUX_LOGGING_FORMAT")
	fmt.Fprintln(out, "#   etc.")
	fmt.Fprintln(out)
	fmt.Fprint(out, string(yamlData))
	return nil
}
