package log

// Discard returns a no-op handler that discards all generated output.
// Used by tests and by components that have no logging sink configured.
func Discard() Logger {
	return discardLogger{}
}

type discardLogger struct{}

func (discardLogger) Debug(args ...any)                      {}
func (discardLogger) Debugf(format string, args ...any)      {}
func (discardLogger) Info(args ...any)                       {}
func (discardLogger) Infof(format string, args ...any)       {}
func (discardLogger) Warning(args ...any)                     {}
func (discardLogger) Warningf(format string, args ...any)     {}
func (discardLogger) Error(args ...any)                       {}
func (discardLogger) Errorf(format string, args ...any)       {}
func (discardLogger) Panic(args ...any)                       {}
func (discardLogger) Panicf(format string, args ...any)       {}
func (discardLogger) Fatal(args ...any)                       {}
func (discardLogger) Fatalf(format string, args ...any)       {}
func (discardLogger) SetLevel(lvl Level)                      {}
func (discardLogger) WithFields(fields map[string]any) Logger { return discardLogger{} }
func (discardLogger) WithField(key string, value any) Logger  { return discardLogger{} }
func (discardLogger) Sub(tags map[string]any) Logger          { return discardLogger{} }
func (discardLogger) Print(level Level, args ...any)          {}
func (discardLogger) Printf(level Level, format string, args ...any) {}
