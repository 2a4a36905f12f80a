package internal

import "fmt"

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	Info LogLevel = iota
	Warning
	Error
	Debug
)

// String returns the lower-case name of the level
func (l LogLevel) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// LogStruct represents a log entry with a level and message
type LogStruct struct {
	LogLevel LogLevel
	Message  string
}

// LogHandlerFunc defines the function signature for log handlers
type LogHandlerFunc func(sender interface{}, log LogStruct)

// Logger forwards log entries to a handler.
// A nil *Logger, or one without a handler, drops every entry.
type Logger struct {
	handler LogHandlerFunc
}

// NewLogger creates a Logger that forwards entries to handler
func NewLogger(handler LogHandlerFunc) *Logger {
	return &Logger{handler: handler}
}

func (l *Logger) push(sender interface{}, level LogLevel, message string) {
	if l == nil || l.handler == nil {
		return
	}
	l.handler(sender, LogStruct{
		LogLevel: level,
		Message:  message,
	})
}

// PushLogDebug sends a debug log message
func (l *Logger) PushLogDebug(sender interface{}, message string) {
	l.push(sender, Debug, message)
}

// PushLogInfo sends an info log message
func (l *Logger) PushLogInfo(sender interface{}, message string) {
	l.push(sender, Info, message)
}

// PushLogWarning sends a warning log message
func (l *Logger) PushLogWarning(sender interface{}, message string) {
	l.push(sender, Warning, message)
}

// PushLogError sends an error log message
func (l *Logger) PushLogError(sender interface{}, message string) {
	l.push(sender, Error, message)
}
