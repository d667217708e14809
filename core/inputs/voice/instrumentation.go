package voice

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/koscakluka/ema-live/core/inputs/voice"

var logger = otelslog.NewLogger(scopeName)
