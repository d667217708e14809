package langchain

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/koscakluka/ema-live/core/llms/langchain"

var tracer = otel.Tracer(scopeName)
