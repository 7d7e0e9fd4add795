// Package logx is the bot's structured logger: zerolog underneath, a value
// Logger carrying fixed fields on top, and a Service that swaps outputs when
// the runtime config changes. Warnings can be mirrored to the operator's chat.
package logx
