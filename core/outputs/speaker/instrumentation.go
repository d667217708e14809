package speaker

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/koscakluka/ema-live/core/outputs/speaker"

var logger = otelslog.NewLogger(scopeName)
