package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ent0n29/talkback/internal/app"
	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/audio/device"
	"github.com/ent0n29/talkback/internal/pipeline"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Converse through the local microphone and speaker",
	Long: `Capture the default microphone, transcribe it live and speak each reply
through the default speaker. Runs until Ctrl-C or a session failure.

Captured frames use the drop-oldest overflow policy regardless of
FRAME_OVERFLOW_POLICY, since the device callback cannot wait.

The microphone stays open while a reply plays, so the speaker output can be
transcribed as a new utterance. --busy defaults to drop, which discards
anything heard during a reply; --busy=queue keeps the newest one for the
next turn and --busy=config uses BUSY_POLICY.`,
	RunE: runLive,
}

var liveBusy string

func init() {
	liveCmd.Flags().StringVar(&liveBusy, "busy", "drop", "utterances heard during a reply: drop, queue or config")
}

// liveBusyPolicy resolves the --busy flag; config defers to BUSY_POLICY.
func liveBusyPolicy(flag, configured string) (pipeline.BusyPolicy, error) {
	if strings.EqualFold(strings.TrimSpace(flag), "config") {
		flag = configured
	}
	return pipeline.ParseBusyPolicy(flag)
}

func runLive(cmd *cobra.Command, _ []string) error {
	busy, err := liveBusyPolicy(liveBusy, cfg.BusyPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer res.Cleanup()

	devices, err := device.Open(verbose)
	if err != nil {
		return err
	}
	defer devices.Close()

	format := res.Engine.Format()
	playback, err := device.NewPlayback(devices, format)
	if err != nil {
		return err
	}
	defer playback.Close()
	capture := device.NewCapture(devices, format)

	out := cmd.OutOrStdout()
	printer := newTranscriptPrinter(out)
	sessionID := uuid.NewString()
	ctrl := res.Engine.WithBusy(busy).NewController(sessionID, capture, playback, printer, audio.OverflowDropOldest)

	fmt.Fprintln(out, Styles.Title.Render("talkback")+" "+
		Styles.Help.Render(fmt.Sprintf("%s · %d Hz · Ctrl-C to quit", res.Providers.Describe(), format.SampleRate)))

	runErr := ctrl.Run(ctx)
	fmt.Fprintln(out)
	if runErr != nil {
		return fmt.Errorf("session %s failed: %w", sessionID, runErr)
	}
	fmt.Fprintln(os.Stderr, Styles.Help.Render("bye"))
	return nil
}
