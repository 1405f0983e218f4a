// Package logging provides categorized logging for the agent.
// Logs are written to <data_dir>/logs/agent.log because the terminal belongs to
// the local chat UI. Every line carries its category so one file can be
// filtered per subsystem. Until Initialize is called all loggers are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and shutdown
	CategoryCoordinator Category = "coordinator" // Queue, state machine, delivery
	CategoryWorker      Category = "worker"      // Execution context, tool-use loop
	CategoryAPI         Category = "api"         // Backend HTTP calls
	CategoryTools       Category = "tools"       // Tool execution
	CategoryRouter      Category = "router"      // Group resolution
	CategoryChannels    Category = "channels"    // Channel adapters
	CategoryScheduler   Category = "scheduler"   // Task scheduler
	CategoryStore       Category = "store"       // SQLite store and workspace
	CategoryConfig      Category = "config"      // Config load and reload
)

// Options configures Initialize.
type Options struct {
	// Dir is the directory holding agent.log. Empty means stderr.
	Dir string
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// JSON switches the encoder from console to JSON.
	JSON bool
	// Categories disables individual categories when set to false.
	// Missing categories are enabled.
	Categories map[string]bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu       sync.RWMutex
	base     = zap.NewNop()
	loggers  = make(map[Category]*Logger)
	disabled = make(map[Category]bool)
	logFile  *os.File
)

// Initialize builds the zap core and resets cached loggers.
// Should be called once at startup.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.NameKey = "cat"
	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	var file *os.File
	if opts.Dir == "" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, "agent.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		sink = zapcore.AddSync(f)
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))

	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	base = zap.New(core)
	logFile = file
	loggers = make(map[Category]*Logger)
	disabled = make(map[Category]bool)
	for cat, enabled := range opts.Categories {
		if !enabled {
			disabled[Category(cat)] = true
		}
	}
	return nil
}

// Use installs an existing zap logger as the base (used by the CLI and tests).
func Use(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	base = l
	loggers = make(map[Category]*Logger)
}

// Base returns the underlying zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	zl := base.Named(string(category))
	if disabled[category] {
		zl = zap.NewNop()
	}
	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// CloseAll flushes and closes the log file.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	base = zap.NewNop()
	loggers = make(map[Category]*Logger)
}

func closeLocked() {
	_ = base.Sync()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger that attaches key-value pairs to every entry.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(kv...)}
}

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootError logs an error to the boot category
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

// Coordinator logs to the coordinator category
func Coordinator(format string, args ...interface{}) { Get(CategoryCoordinator).Info(format, args...) }

// CoordinatorDebug logs debug to the coordinator category
func CoordinatorDebug(format string, args ...interface{}) {
	Get(CategoryCoordinator).Debug(format, args...)
}

// Worker logs to the worker category
func Worker(format string, args ...interface{}) { Get(CategoryWorker).Info(format, args...) }

// WorkerDebug logs debug to the worker category
func WorkerDebug(format string, args ...interface{}) { Get(CategoryWorker).Debug(format, args...) }

// API logs to the api category
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }

// Tools logs to the tools category
func Tools(format string, args ...interface{}) { Get(CategoryTools).Info(format, args...) }

// ToolsDebug logs debug to the tools category
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }

// RouterDebug logs debug to the router category
func RouterDebug(format string, args ...interface{}) { Get(CategoryRouter).Debug(format, args...) }

// Channels logs to the channels category
func Channels(format string, args ...interface{}) { Get(CategoryChannels).Info(format, args...) }

// ChannelsDebug logs debug to the channels category
func ChannelsDebug(format string, args ...interface{}) { Get(CategoryChannels).Debug(format, args...) }

// Scheduler logs to the scheduler category
func Scheduler(format string, args ...interface{}) { Get(CategoryScheduler).Info(format, args...) }

// SchedulerDebug logs debug to the scheduler category
func SchedulerDebug(format string, args ...interface{}) { Get(CategoryScheduler).Debug(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Config logs to the config category
func Config(format string, args ...interface{}) { Get(CategoryConfig).Info(format, args...) }

// Timer tracks how long an operation takes.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer starts timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
