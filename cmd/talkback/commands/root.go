package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/talkback/internal/config"
	"github.com/ent0n29/talkback/internal/observability"
)

var (
	verbose bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "talkback",
	Short: "Real-time spoken dialogue agent",
	Long: `talkback listens, transcribes, generates a reply and speaks it back.

Providers are chosen per concern with STT_PROVIDER, LLM_PROVIDER and
TTS_PROVIDER (auto|<vendor>|mock). In auto mode a vendor is used when its
API key is set and the mock backend otherwise.

Examples:
  # Run the service
  talkback serve

  # Talk through the default microphone and speaker
  talkback live

  # Speak one reply, or write it to a file
  talkback ask "what's the weather like on mars"
  echo "tell me a joke" | talkback ask -o reply.wav

  # Replay spoken turns against a running server
  talkback perf --turns 4`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if verbose {
			loaded.LogLevel = "debug"
		}
		observability.SetupLogging(os.Stderr, loaded.LogFormat, loaded.LogLevel, loaded.LogOTelBridge)
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(perfCmd)
}
