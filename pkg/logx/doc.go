// Package logx configures biliradar's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Per-component loggers via With(logx.String("comp", ...))
package logx
