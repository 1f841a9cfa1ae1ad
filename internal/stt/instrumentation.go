package stt

import (
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/ent0n29/talkback/internal/observability"
)

const scopeName = "github.com/ent0n29/talkback/internal/stt"

var tracer = otel.Tracer(scopeName)

func logger() *slog.Logger { return observability.Logger(scopeName) }
