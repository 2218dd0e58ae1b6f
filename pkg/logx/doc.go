// Package logx configures brainsched's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps console output readable
// (short timestamp and caller) and writes JSON to a rotating file when enabled.
package logx
