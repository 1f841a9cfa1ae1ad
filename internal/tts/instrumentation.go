package tts

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/ent0n29/talkback/internal/observability"
)

const scopeName = "github.com/ent0n29/talkback/internal/tts"

var tracer = otel.Tracer(scopeName)

func logger() *slog.Logger { return observability.Logger(scopeName) }
