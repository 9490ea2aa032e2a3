package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encmux/internal/ffmpeg"
)

var ffmpegCmd = &cobra.Command{
	Use:   "ffmpeg",
	Short: "Show the ffmpeg binary encmux encodes with",
	Long: `Locate ffmpeg (encoder.binary_path, ` + ffmpeg.BinaryEnvVar + `, ./ffmpeg, then PATH)
and report its version and whether the configured encoders are available.`,
	RunE: runFFmpeg,
}

func init() {
	rootCmd.AddCommand(ffmpegCmd)
	ffmpegCmd.Flags().Bool("json", false, "print the detection result as JSON")
}

func runFFmpeg(cmd *cobra.Command, _ []string) error {
	info, err := ffmpeg.NewBinaryDetector(appCfg.Encoder.BinaryPath).Detect(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		fmt.Fprintln(out, info.JSON())
		return nil
	}

	fmt.Fprintf(out, "path:     %s\n", info.FFmpegPath)
	fmt.Fprintf(out, "version:  %s\n", info.Version)
	if info.BuildDate != "" {
		fmt.Fprintf(out, "built:    %s\n", info.BuildDate)
	}
	fmt.Fprintf(out, "encoders: %d\n\n", len(info.Encoders))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENCODER\tAVAILABLE")
	for _, name := range encoderNames(appCfg) {
		fmt.Fprintf(tw, "%s\t%t\n", name, info.HasEncoder(name))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return info.CheckEncoders(encoderNames(appCfg)...)
}
