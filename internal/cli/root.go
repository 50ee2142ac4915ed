package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	appinspect "github.com/bryanwahyu/automaton-inspect/internal/application/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/config"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/engines"
)

// engineSet builds the engine factory for a loaded config.
type engineSet func(cfg *config.Config, log zerolog.Logger) appinspect.EngineFactory

func configuredEngines(cfg *config.Config, log zerolog.Logger) appinspect.EngineFactory {
	return engines.NewFactory(cfg, log).Build
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(configuredEngines)
}

func newRootCommand(build engineSet) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Run AI-assisted site inspections over recorded frames",
	}

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(
		newReplayCmd(build),
		newCheckConfigCmd(),
	)

	return rootCmd
}

func defaultConfigPath() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return "config.yaml"
}

// loadConfig decodes the file without validating it. A missing file is only
// an error when the path was given explicitly.
func loadConfig(path string, required bool) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	cfg, err := config.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

func newCheckConfigCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:     "check-config",
		Aliases: []string{"cc"},
		Short:   "Validate the config file and print the effective settings",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "engine:      %s (capture every %s)\n", cfg.Engine.Mode, cfg.Engine.CaptureInterval)
			if cfg.Engine.Mode == config.EngineStreaming {
				fmt.Fprintf(out, "live:        %s (max %d reconnects)\n", cfg.Live.URL, cfg.Engine.MaxReconnects)
			} else {
				fmt.Fprintf(out, "vision:      %s\n", cfg.OpenAI.VisionModel)
			}

			persistence := "memory only"
			if cfg.Database.Driver != "" {
				persistence = fmt.Sprintf("%s://%s:%d/%s", cfg.Database.Driver, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
			}
			fmt.Fprintf(out, "persistence: %s\n", persistence)

			evidence := "disabled"
			if cfg.Minio.Endpoint != "" {
				evidence = cfg.Minio.Endpoint + "/" + cfg.Minio.BucketName
			}
			fmt.Fprintf(out, "evidence:    %s\n", evidence)

			handoff := "local fallback only"
			if cfg.OpenAI.APIKey != "" {
				handoff = fmt.Sprintf("%s (timeout %s)", cfg.OpenAI.ReasoningModel, cfg.OpenAI.HandoffTimeout)
			}
			fmt.Fprintf(out, "hand-off:    %s\n", handoff)
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigPath(), "config file")
	return cmd
}
