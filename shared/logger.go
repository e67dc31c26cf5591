package shared

import (
	"go.uber.org/zap"
)

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	ServiceName string // "trace-runner"
	Development bool   // console output at debug level
	Quiet       bool   // errors only, for batch runs where the JSON result is the output
}

// Logger wraps zap.Logger with trace-aware helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// NewLogger creates a new logger instance based on the configuration
func NewLogger(config LoggerConfig) (*Logger, error) {
	var zapLogger *zap.Logger
	var err error

	if config.Quiet {
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		zapConfig.DisableCaller = true
		zapConfig.DisableStacktrace = true
		zapConfig.OutputPaths = []string{"stderr"}
		zapLogger, err = zapConfig.Build()
	} else if config.Development {
		// Development mode: console logging with debug level, key material included
		zapConfig := zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapLogger, err = zapConfig.Build()
	} else {
		// Structured JSON on stderr so stdout stays free for results
		zapConfig := zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapConfig.OutputPaths = []string{"stderr"}
		zapLogger, err = zapConfig.Build()
	}

	if err != nil {
		return nil, err
	}

	zapLogger = zapLogger.With(zap.String("service", config.ServiceName))

	return &Logger{
		Logger:      zapLogger,
		serviceName: config.ServiceName,
	}, nil
}

// NewLoggerFromEnv creates a logger using environment variables
func NewLoggerFromEnv(serviceName string) (*Logger, error) {
	config := LoggerConfig{
		ServiceName: serviceName,
		Development: GetEnvBoolOrDefault("DEVELOPMENT", false),
		Quiet:       GetEnvBoolOrDefault("LOG_QUIET", false),
	}
	return NewLogger(config)
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Trace-aware logging methods
func (l *Logger) WithTrace(traceID string) *zap.Logger {
	if traceID == "" {
		return l.Logger
	}
	return l.Logger.With(zap.String("trace_id", traceID))
}

// WithAction scopes a logger to one action of a trace.
func (l *Logger) WithAction(index int) *zap.Logger {
	return l.Logger.With(zap.Int("action", index))
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
