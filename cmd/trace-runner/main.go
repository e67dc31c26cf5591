// Command trace-runner executes one workflow trace against a TLS or DTLS peer
// and prints the result as JSON. The exit code is 1 when the trace fails and
// 2 when it cannot be run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"tls-workbench/minitls"
	"tls-workbench/shared"
	"tls-workbench/transport"
	"tls-workbench/workflow"
)

func main() {
	logger, err := shared.NewLoggerFromEnv("trace-runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	rc, err := LoadRunnerConfig(logger)
	if err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		os.Exit(2)
	}

	result, err := run(rc, logger)
	if err != nil {
		logger.Error("Trace could not be run", zap.Error(err))
		os.Exit(2)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("Failed to encode result", zap.Error(err))
		os.Exit(2)
	}
	fmt.Println(string(out))
	if !result.Passed() {
		os.Exit(1)
	}
}

func run(rc *RunnerConfig, logger *shared.Logger) (*workflow.TraceResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rc.TraceTimeout)
	defer cancel()

	trace, err := loadTrace(rc, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Trace loaded", zap.String("trace", trace.String()))

	tr, err := transport.Open(ctx, rc.Target, logger.Logger)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	tlsCtx := minitls.NewContext(rc.TLS, logger.Logger)
	executor := workflow.NewExecutor(logger, rc.Policy)
	result := executor.Execute(ctx, trace, tlsCtx, tr)

	if rc.ArchiveOut != "" {
		archive := workflow.NewArchive(trace, result, tlsCtx)
		if err := os.WriteFile(rc.ArchiveOut, archive.Marshal(), 0o644); err != nil {
			logger.Warn("Failed to write archive", zap.String("path", rc.ArchiveOut), zap.Error(err))
		}
	}
	return result, nil
}

// loadTrace picks the trace source: an archive to replay, a trace document,
// or a factory-built trace.
func loadTrace(rc *RunnerConfig, logger *shared.Logger) (*workflow.Trace, error) {
	switch {
	case rc.ArchiveFile != "":
		data, err := os.ReadFile(rc.ArchiveFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		archive, err := workflow.UnmarshalArchive(data)
		if err != nil {
			return nil, err
		}
		return archive.Trace(rc.TLS)
	case rc.TraceFile != "":
		data, err := os.ReadFile(rc.TraceFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read trace file: %w", err)
		}
		return workflow.LoadTrace(data, rc.TLS)
	default:
		factory := workflow.NewTraceFactory(rc.TLS)
		factory.Logger = logger.Logger
		return factory.Create(rc.TraceType)
	}
}
