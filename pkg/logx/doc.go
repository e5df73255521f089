// Package logx is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - levels and sinks swappable at runtime through Service.Apply
package logx
