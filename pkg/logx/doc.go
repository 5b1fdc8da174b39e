// Package logx configures botkit's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, rotated via lumberjack
//   - Optional notify sink (min-level + rate limiting) for forwarding
//     high-signal lines to the embedding bot
package logx
