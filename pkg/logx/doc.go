// Package logx wraps zerolog for veactl.
//
// Console lines are human readable with a short caller. The log file gets
// JSON. The optional alert sink copies severe lines to stderr under a rate
// limit so a source failing on every tick cannot flood the journal.
package logx
