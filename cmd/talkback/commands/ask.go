package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ent0n29/talkback/internal/app"
	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/audio/device"
	"github.com/ent0n29/talkback/internal/pipeline"
)

var (
	askPrompt      string
	askOutputFile  string
	askChunkPreset string
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Speak a single reply to a prompt",
	Long: `Generate a reply to one prompt and speak it as it streams in.

The prompt is taken from --prompt, the arguments, or stdin, in that order.
With -o the reply audio is written to a WAV file instead of the speaker.
Replies are cut with the strict chunking preset unless --chunk-preset=config
selects the configured policy.`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askPrompt, "prompt", "p", "", "prompt text")
	askCmd.Flags().StringVarP(&askOutputFile, "output", "o", "", "write the reply to this WAV file")
	askCmd.Flags().StringVar(&askChunkPreset, "chunk-preset", "strict", "chunking for the reply: strict or config")
}

func runAsk(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(askPrompt, args, cmd.InOrStdin())
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

	engine := res.Engine
	switch askChunkPreset {
	case "strict":
		engine = engine.WithChunking(pipeline.StrictChunkPolicy())
	case "config":
		engine = engine.WithChunking(app.ChunkPolicy(cfg))
	default:
		return fmt.Errorf("invalid --chunk-preset %q (expected strict|config)", askChunkPreset)
	}

	var (
		sink    pipeline.PlaybackSink
		collect *wavCollector
	)
	if askOutputFile != "" {
		collect = &wavCollector{}
		sink = collect
	} else {
		devices, err := device.Open(verbose)
		if err != nil {
			return err
		}
		defer devices.Close()
		playback, err := device.NewPlayback(devices, engine.Format())
		if err != nil {
			return err
		}
		defer playback.Close()
		sink = playback
	}

	printer := newTranscriptPrinter(cmd.OutOrStdout())
	summary, err := engine.NewResponder(uuid.NewString(), sink, printer).Respond(ctx, prompt)
	if err != nil {
		return err
	}
	printer.summary(summary)

	if collect != nil {
		data, err := collect.wav()
		if err != nil {
			return err
		}
		if err := os.WriteFile(askOutputFile, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", askOutputFile, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), Styles.Help.Render("wrote "+askOutputFile))
	}
	if summary.Outcome != pipeline.OutcomeCompleted {
		return fmt.Errorf("turn ended: %s", summary.Outcome)
	}
	return nil
}

// readPrompt picks the flag, then the arguments, then stdin.
func readPrompt(flag string, args []string, stdin io.Reader) (string, error) {
	if p := strings.TrimSpace(flag); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(strings.Join(args, " ")); p != "" {
		return p, nil
	}
	if stdin == nil {
		return "", fmt.Errorf("no prompt given")
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	if p := strings.TrimSpace(string(data)); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no prompt given, pass it as an argument, with -p, or on stdin")
}

// wavCollector is a sink that concatenates chunk audio into one WAV file.
type wavCollector struct {
	mu     sync.Mutex
	pcm    bytes.Buffer
	format audio.Format
}

func (c *wavCollector) Emit(_ context.Context, chunk pipeline.AudioChunk) error {
	pcm, format, err := audio.DecodeWAV(chunk.Audio)
	if err != nil {
		return fmt.Errorf("decode chunk %d: %w", chunk.Seq, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pcm.Len() == 0 {
		c.format = format
	} else if format != c.format {
		return fmt.Errorf("chunk %d format %+v differs from %+v", chunk.Seq, format, c.format)
	}
	c.pcm.Write(pcm)
	return nil
}

func (c *wavCollector) wav() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pcm.Len() == 0 {
		return nil, fmt.Errorf("reply produced no audio")
	}
	return audio.EncodeWAV(c.pcm.Bytes(), c.format)
}
