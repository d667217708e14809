// Package events is the in-process publish/subscribe hub.
//
// Topics are typed ([Topic]) and grouped by pipeline stage:
//
//   - input.raw (RawInput): raw data from input providers.
//   - canonical.message (CanonicalMessage): normalized messages that passed
//     the message pipeline.
//   - decision.intent (DecisionIntent): intents decided for a message.
//   - render.<kind> (Render): render parameters per directive kind, e.g.
//     render.tts, render.subtitle.
//   - provider.connected / provider.disconnected: provider lifecycle.
//   - output.audio (OutputAudio): synthesized speech frames.
//
// Semantics used across the package:
//
//   - Handlers run in descending priority order; equal priorities keep
//     registration order.
//   - Emit awaits each handler up to the handler timeout, then moves on. The
//     late handler is not cancelled.
//   - A handler error or panic is logged and never reaches sibling handlers
//     or the emitter.
//   - Emit iterates a snapshot of the handler list; On and Off during an emit
//     take effect on the next emit.
//   - Request pairs an emit with a single reply matched by correlation id.
package events
