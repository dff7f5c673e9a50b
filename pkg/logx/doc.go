// Package logx is flexpower's structured logger on top of zerolog.
//
// The console gets a readable format with a file:line caller while log files
// get JSON lines. Service.Apply swaps level and sinks on config reload without
// invalidating Loggers already handed to contexts.
package logx
