// Package monitoring holds the package-level diagnostic loggers shared by the
// pipeline packages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or embedding code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// Warnf is the warning logger used for recoverable data-quality problems
// (short beta series, unparseable filenames). It shares the default sink with
// Logf but can be redirected independently, e.g. into a report collector.
var Warnf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	log.Printf("WARNING: "+format, v...)
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetWarnLogger replaces the warning logger. Passing nil will set a no-op logger.
func SetWarnLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Warnf = func(string, ...interface{}) {}
		return
	}
	Warnf = f
}
