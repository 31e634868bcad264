package logging

import (
	"fmt"
	"reflect"
	"sync"

	"tachikoma/internal/observability"
)

// Logger defines a minimal, printf-style logging contract.
//
// It exists so component code can log without depending on the structured
// observability logger directly.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	rootLogger *observability.Logger
	rootOnce   sync.Once
	rootMu     sync.Mutex
)

// SetRoot installs the process-wide structured logger that component loggers
// fan into. Safe to call once at startup; later calls replace the root.
func SetRoot(logger *observability.Logger) {
	rootMu.Lock()
	defer rootMu.Unlock()
	rootLogger = logger
}

func root() *observability.Logger {
	rootOnce.Do(func() {
		rootMu.Lock()
		defer rootMu.Unlock()
		if rootLogger == nil {
			rootLogger = observability.NewLogger(observability.LogConfig{Level: "info"})
		}
	})
	rootMu.Lock()
	defer rootMu.Unlock()
	return rootLogger
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

type componentLogger struct {
	component string
}

func (l *componentLogger) scoped() *observability.Logger {
	logger := root()
	if l.component != "" {
		logger = logger.With("component", l.component)
	}
	return logger
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.scoped().Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.scoped().Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.scoped().Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.scoped().Error(fmt.Sprintf(format, args...))
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
