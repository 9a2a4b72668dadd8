package logger

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its
	// behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for Warning messages
	LogLevelWarning

	// LogLevelInfo is for Info messages
	LogLevelInfo

	// LogLevelDebug is for debug messages
	LogLevelDebug

	// LogLevelTrace is for trace messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

var nameToLogLevel = func() map[string]LogLevel {
	result := make(map[string]LogLevel)
	for i, name := range logLevelNames {
		result[name] = LogLevel(i)
	}
	result["warn"] = LogLevelWarning
	return result
}()

// StringToLogLevel converts a string to a LogLevel. Unrecognized names
// produce LogLevelUnknown.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

// FromString initializes a LogLevel from a string
func (x *LogLevel) FromString(s string) error {
	result := StringToLogLevel(s)
	if result == LogLevelUnknown {
		return fmt.Errorf("unknown log level: \"%s\"", s)
	}
	*x = result
	return nil
}

// Logger is an interface for a logging component that supports logging levels and prefix forking
type Logger interface {
	// Print outputs to the Logger regardless of level
	Print(args ...interface{})

	// Prefix returns the Logger's prefix string (does not include ": " trailer)
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	// Panicf outputs a log message and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise logs err and panics
	PanicOnError(err error)

	// Logf outputs to a Logger iff logLevel is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// DLog outputs to a Logger iff DEBUG logging level is enabled
	DLog(args ...interface{})

	// Errorf returns an error object with a description string that has the
	// Logger's prefix
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string that has the Logger's prefix
	Sprintf(f string, args ...interface{}) string

	// ELogErrorf outputs an error message iff ERROR logging level is enabled,
	// and returns an error object with a description string that has the
	// logger's prefix
	ELogErrorf(f string, args ...interface{}) error

	// ILogErrorf is like ELogErrorf at INFO level
	ILogErrorf(f string, args ...interface{}) error

	// DLogErrorf is like ELogErrorf at DEBUG level
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a new Logger that has an additional formatted string appended onto
	// an existing logger's prefix (with ": " added between)
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a logical log output stream with a level filter
// and a prefix added to each output record.
type BasicLogger struct {
	lock   sync.Mutex
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	out      *log.Logger
	logLevel LogLevel
}

const defaultLogFlags = log.Ldate | log.Ltime

type config struct {
	writer   io.Writer
	flags    int
	prefix   string
	logLevel LogLevel
}

// Option configures a Logger created with New
type Option func(*config)

// WithWriter directs log output to w. The default is os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writer = w
	}
}

// WithLogLevel sets the initial logging level. The default is LogLevelInfo.
func WithLogLevel(logLevel LogLevel) Option {
	return func(c *config) {
		c.logLevel = logLevel
	}
}

// WithPrefix sets the prefix prepended to every record
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithFlags sets the standard library log flags (log.Ldate etc.)
func WithFlags(flags int) Option {
	return func(c *config) {
		c.flags = flags
	}
}

// New creates a new Logger
func New(opts ...Option) (Logger, error) {
	c := &config{
		writer:   os.Stderr,
		flags:    defaultLogFlags,
		logLevel: LogLevelInfo,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.writer == nil {
		return nil, errors.New("logger: nil writer")
	}
	if c.logLevel <= LogLevelUnknown || c.logLevel > LogLevelTrace {
		return nil, fmt.Errorf("logger: invalid log level %d", int(c.logLevel))
	}
	return newBasicLogger(log.New(c.writer, "", c.flags), c.prefix, c.logLevel), nil
}

// NewLogger creates a new Logger with a given prefix and default flags,
// emitting output to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return newBasicLogger(log.New(os.Stderr, "", defaultLogFlags), prefix, logLevel)
}

// NewDiscardLogger returns a Logger that drops everything below panic
func NewDiscardLogger() Logger {
	return newBasicLogger(log.New(io.Discard, "", 0), "", LogLevelError)
}

func newBasicLogger(out *log.Logger, prefix string, logLevel LogLevel) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      out,
		logLevel: logLevel,
	}
}

func (l *BasicLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= l.GetLogLevel() || logLevel <= LogLevelFatal
}

// emit writes an already-prefixed message and then exits or panics
// as the level requires
func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	l.out.Print(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

// Print outputs to a Logger
func (l *BasicLogger) Print(args ...interface{}) {
	l.out.Print(l.prefixC + fmt.Sprint(args...))
}

// Logf outputs to a Logger if the given logLevel is enabled. Then,
// if the given logLevel is LogLevelPanic or LogLevelFatal, exits appropriately
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprintf(f, args...))
	}
}

// LogErrorf outputs an error message to a Logger iff logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) LogErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	err := l.Errorf(f, args...)
	if l.enabled(logLevel) {
		l.emit(logLevel, err.Error())
	}
	return err
}

// Panicf outputs a formatted log message, and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) {
	l.Logf(LogLevelPanic, f, args...)
}

// PanicOnError does nothing if err is nil; otherwise
// outputs a log message and then panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panicf("%s", err)
	}
}

// ELogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ELogf(f string, args ...interface{}) {
	l.Logf(LogLevelError, f, args...)
}

// WLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) WLogf(f string, args ...interface{}) {
	l.Logf(LogLevelWarning, f, args...)
}

// ILogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) ILogf(f string, args ...interface{}) {
	l.Logf(LogLevelInfo, f, args...)
}

// DLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) DLogf(f string, args ...interface{}) {
	l.Logf(LogLevelDebug, f, args...)
}

// TLogf outputs a formatted log message if logLevel permits
func (l *BasicLogger) TLogf(f string, args ...interface{}) {
	l.Logf(LogLevelTrace, f, args...)
}

// DLog outputs a log message if logLevel permits
func (l *BasicLogger) DLog(args ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.emit(LogLevelDebug, l.prefixC+fmt.Sprint(args...))
	}
}

// Errorf returns an error object with a description string that has the
// Logger's prefix. %w verbs are honored.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return fmt.Errorf("%s"+f, append([]interface{}{l.prefixC}, args...)...)
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// ELogErrorf outputs an error message to a Logger iff logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelError, f, args...)
}

// ILogErrorf outputs an error message to a Logger iff logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) ILogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelInfo, f, args...)
}

// DLogErrorf outputs an error message to a Logger iff DEBUG logging level is enabled,
// and returns an error object with a description string that has the
// logger's prefix
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.LogErrorf(LogLevelDebug, f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between). The fork shares the
// parent's output but has its own level.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := fmt.Sprintf(prefix, args...)
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + newPrefix
	}
	return newBasicLogger(l.out, newPrefix, l.GetLogLevel())
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.logLevel
}

// SetLogLevel sets the log level
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.lock.Lock()
	l.logLevel = logLevel
	l.lock.Unlock()
}
