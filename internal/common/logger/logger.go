// Package logger wraps go.uber.org/zap with the handful of helpers the
// orchestrator's components use: a shared default, component scoping,
// and fields for the ids that matter here (session, agent, sandbox).
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig holds the configuration for the logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// Logger wraps zap.Logger.
type Logger struct {
	zap *zap.Logger
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns the global default logger: info level, console
// format on terminals, JSON in production environments.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		log, err := NewLogger(LoggingConfig{
			Level:      "info",
			Format:     detectFormat(),
			OutputPath: "stdout",
		})
		if err != nil {
			zapLogger, _ := zap.NewProduction()
			log = &Logger{zap: zapLogger}
		}
		defaultLogger = log
	})
	return defaultLogger
}

// SetDefault sets the global default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// NewLogger creates a Logger from configuration. Unknown levels fall
// back to info rather than failing startup.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return &Logger{
		zap: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
	}, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	// "console" and "text" both mean human-readable.
	if format == "console" || format == "text" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(file), nil
	}
}

func detectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PAIRDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a new Logger with the given fields added.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithComponent returns a new Logger scoped to a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(zap.String("component", name))
}

// WithError returns a new Logger with the error field added.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

// WithSessionID returns a new Logger with the session_id field added.
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return l.WithFields(zap.String("session_id", sessionID))
}

// WithAgentID returns a new Logger with the agent_id field added.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return l.WithFields(zap.String("agent_id", agentID))
}

// WithSandboxID returns a new Logger with the sandbox_id field added.
func (l *Logger) WithSandboxID(sandboxID string) *Logger {
	return l.WithFields(zap.String("sandbox_id", sandboxID))
}

// Debug logs a message at debug level with optional structured fields.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

// Info logs a message at info level with optional structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

// Warn logs a message at warn level with optional structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

// Error logs a message at error level with optional structured fields.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}
