// Package logging provides categorized structured logging for ouroboros.
// Every category is a named child of one process-wide zap logger, so a single
// level switch and a single set of sinks govern the whole process.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, shutdown, re-exec
	CategorySupervisor   Category = "supervisor"   // Ingress loop, worker pool, commands
	CategoryOrchestrator Category = "orchestrator" // Per-task tool-calling loop
	CategoryBudget       Category = "budget"       // Ledger reservations and overruns
	CategoryTools        Category = "tools"        // Tool registration and execution
	CategoryEvolution    Category = "evolution"    // Self-improvement cycles
	CategoryAPI          Category = "api"          // Model API calls
	CategoryRepo         Category = "repo"         // Git operations and branch protocol
	CategoryDeploy       Category = "deploy"       // Build and restart
	CategoryChat         Category = "chat"         // Chat channel I/O
	CategoryMemory       Category = "memory"       // History and scratchpad store
	CategoryReview       Category = "review"       // Review engine
	CategoryBrowser      Category = "browser"      // Browser automation
	CategoryConfig       Category = "config"       // Config load and hot reload
)

// Options controls how Initialize builds the process logger.
type Options struct {
	Level      string          // debug, info, warn, error
	JSON       bool            // JSON encoder instead of console
	Dir        string          // when set, also write ouroboros.log and events.jsonl here
	Categories map[string]bool // explicit false disables a category
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	audit      = zap.NewNop()
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	files      []*os.File
)

// Initialize builds the process logger from cfg. It may be called again to
// reconfigure; previously opened log files are closed.
func Initialize(cfg Options) error {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	auditLogger := zap.NewNop()
	var opened []*os.File

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(filepath.Join(cfg.Dir, "ouroboros.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		opened = append(opened, logFile)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(logFile), level))

		eventsFile, err := os.OpenFile(filepath.Join(cfg.Dir, "events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logFile.Close()
			return fmt.Errorf("open events file: %w", err)
		}
		opened = append(opened, eventsFile)
		auditEnc := zap.NewProductionEncoderConfig()
		auditEnc.EncodeTime = zapcore.ISO8601TimeEncoder
		auditEnc.MessageKey = "event"
		auditEnc.LevelKey = ""
		auditEnc.CallerKey = ""
		auditLogger = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(auditEnc), zapcore.AddSync(eventsFile), zapcore.DebugLevel))
	}

	mu.Lock()
	defer mu.Unlock()
	closeFilesLocked()
	files = opened
	base = zap.New(zapcore.NewTee(cores...))
	audit = auditLogger
	categories = cfg.Categories
	loggers = make(map[Category]*Logger)
	return nil
}

// SetLogger replaces the process logger, e.g. with one built by the CLI or
// zap.NewNop() in tests. The audit sink is left untouched.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = make(map[Category]*Logger)
}

// SetLevel changes the level of loggers built by Initialize at runtime.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// CurrentLevel reports the active level.
func CurrentLevel() string {
	return level.Level().String()
}

// IsCategoryEnabled checks if a category is enabled. Categories are enabled
// unless explicitly switched off.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return isEnabledLocked(category)
}

func isEnabledLocked(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns the logger for a category, creating it on first use.
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
	z := zap.NewNop()
	if isEnabledLocked(category) {
		z = base.Named(string(category))
	}
	l := &Logger{category: category, sugar: z.Sugar()}
	loggers[category] = l
	return l
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying structured key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
	_ = audit.Sync()
}

// CloseAll flushes and closes any log files opened by Initialize.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	_ = audit.Sync()
	closeFilesLocked()
	base = zap.NewNop()
	audit = zap.NewNop()
	loggers = make(map[Category]*Logger)
}

func closeFilesLocked() {
	for _, f := range files {
		_ = f.Close()
	}
	files = nil
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
