package llm

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/ent0n29/talkback/internal/observability"
)

const scopeName = "github.com/ent0n29/talkback/internal/llm"

var tracer = otel.Tracer(scopeName)

func logger() *slog.Logger { return observability.Logger(scopeName) }

func tracedHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}
