package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tsawler/go-dip/envconfig"
	"github.com/tsawler/go-dip/layers"
	"github.com/tsawler/go-dip/training"
)

// NewCLI builds the dip command tree
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "dip",
		Short:         "Deep image prior restoration, inpainting and super-resolution",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: envconfig.LogLevel()})
			slog.SetDefault(slog.New(handler))
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.AddCommand(newRunCmd(), newSummaryCmd(), newEnvCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Fit the network to an image and save a snapshot per iteration",
		Args:  cobra.NoArgs,
		RunE:  RunHandler,
	}

	addSettingsFlags(runCmd)
	runCmd.Flags().String("image", "", "Source image (png, jpeg or webp)")
	runCmd.Flags().String("mask", "", "Inpainting mask: white keeps a pixel, black fills it in")
	runCmd.Flags().String("out", ".", "Directory snapshots are written to")
	runCmd.Flags().Int("iterations", 10, "Pause after this many iterations")
	runCmd.Flags().Int("epochs", 0, "Optimizer epochs per iteration (default DIP_EPOCHS or 20)")
	runCmd.Flags().Float64("learning-rate", 0, "Learning rate (default 0.001)")
	runCmd.Flags().String("optimizer", "adam", "Optimizer: adam, sgd, momentum, rmsprop or adagrad")
	runCmd.Flags().Int64("seed", 0, "Seed for noise and weights (default DIP_SEED, 0 is time based)")
	_ = runCmd.MarkFlagRequired("image")

	return runCmd
}

func newSummaryCmd() *cobra.Command {
	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the network built for the given settings",
		Args:  cobra.NoArgs,
		RunE:  SummaryHandler,
	}
	addSettingsFlags(summaryCmd)
	return summaryCmd
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables and their current values",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			vars := envconfig.AsMap()
			keys := make([]string, 0, len(vars))
			for k := range vars {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				v := vars[k]
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-8v %s\n", v.Name, v.Value, v.Description)
			}
		},
	}
}

func addSettingsFlags(cmd *cobra.Command) {
	defaults := training.DefaultSettings()
	cmd.Flags().Int("width", defaults.Width, "Image width the network works at")
	cmd.Flags().Int("height", defaults.Height, "Image height the network works at")
	cmd.Flags().Int("layers", defaults.Layers, "Network depth")
	cmd.Flags().Int("filters", defaults.Filters, "Filters of the first stage")
	cmd.Flags().Int("super-resolution", defaults.SuperResolution, "Downsampling factor of the loss")
	cmd.Flags().String("architecture", defaults.Architecture.String(), "Network architecture: unet or convnet")
}

// settingsFromFlags reads the algorithm settings and validates them
func settingsFromFlags(cmd *cobra.Command) (training.AlgorithmSettings, error) {
	var s training.AlgorithmSettings
	var err error
	flags := cmd.Flags()

	if s.Width, err = flags.GetInt("width"); err != nil {
		return s, err
	}
	if s.Height, err = flags.GetInt("height"); err != nil {
		return s, err
	}
	if s.Layers, err = flags.GetInt("layers"); err != nil {
		return s, err
	}
	if s.Filters, err = flags.GetInt("filters"); err != nil {
		return s, err
	}
	if s.SuperResolution, err = flags.GetInt("super-resolution"); err != nil {
		return s, err
	}
	arch, err := flags.GetString("architecture")
	if err != nil {
		return s, err
	}
	if s.Architecture, err = training.ParseArchitecture(arch); err != nil {
		return s, err
	}
	if mask := flags.Lookup("mask"); mask != nil && mask.Value.String() != "" {
		s.Inpaint = true
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// SummaryHandler prints the architecture for the settings flags
func SummaryHandler(cmd *cobra.Command, args []string) error {
	settings, err := settingsFromFlags(cmd)
	if err != nil {
		return err
	}
	spec, err := layers.Build(settings.NetworkConfig())
	if err != nil {
		return fmt.Errorf("failed to build network: %w", err)
	}
	training.PrintArchitecture(cmd.OutOrStdout(), settings.Architecture.String(), spec)
	return nil
}
