package cli

import (
	"errors"
	"slices"

	"github.com/spf13/cobra"
)

const (
	OutputText = "text"
	OutputJSON = "json"
)

var ErrInvalidOutputFormat = errors.New("invalid output format")

// GlobalFlags holds flags available to all commands.
type GlobalFlags struct {
	// Config is the config file path (json or yaml).
	Config string
	// Output specifies the output format (text or json).
	Output string
	// LogLevel overrides logging.level for one-shot commands.
	LogLevel string
}

// AddGlobalFlags adds global flags to a command.
func AddGlobalFlags(cmd *cobra.Command, flags *GlobalFlags) {
	cmd.PersistentFlags().StringVarP(&flags.Config, "config", "c", defaultConfigPath(), "config file (env BRAINSCHED_CONFIG)")
	cmd.PersistentFlags().StringVarP(&flags.Output, "output", "o", OutputText, "output format (text|json)")
	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "warn", "log level for one-shot commands")
}

func ValidOutputFormats() []string {
	return []string{OutputText, OutputJSON}
}

func IsValidOutputFormat(format string) bool {
	return slices.Contains(ValidOutputFormats(), format)
}
