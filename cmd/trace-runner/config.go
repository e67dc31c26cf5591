package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tls-workbench/minitls"
	"tls-workbench/shared"
	"tls-workbench/workflow"
)

// RunnerConfig is everything the runner reads from the environment.
type RunnerConfig struct {
	TLS    *minitls.Config
	Policy workflow.Policy

	TraceType   workflow.TraceType
	TraceFile   string
	ArchiveFile string
	ArchiveOut  string
	Target      string
	// TraceTimeout bounds the whole run.
	TraceTimeout time.Duration
}

// LoadRunnerConfig loads .env (a missing file is fine) and maps the
// environment to a RunnerConfig.
func LoadRunnerConfig(logger *shared.Logger) (*RunnerConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Error loading .env file: " + err.Error())
	}

	cfg := minitls.DefaultConfig()

	end, err := minitls.ParseConnectionEnd(strings.ToUpper(shared.GetEnvOrDefault("CONNECTION_END", "CLIENT")))
	if err != nil {
		return nil, err
	}
	cfg.ConnectionEnd = end

	version, err := minitls.ParseProtocolVersion(strings.ToUpper(shared.GetEnvOrDefault("TLS_VERSION", "TLS12")))
	if err != nil {
		return nil, err
	}
	cfg.HighestVersion = version
	cfg.SupportedVersions = []minitls.ProtocolVersion{version}
	if version.IsTLS13() {
		cfg.SupportedVersions = append(cfg.SupportedVersions, minitls.VersionTLS12)
		cfg.CipherSuites = []minitls.CipherSuite{
			minitls.TLS_AES_128_GCM_SHA256,
			minitls.TLS_AES_256_GCM_SHA384,
			minitls.TLS_CHACHA20_POLY1305_SHA256,
		}
		cfg.SignatureAlgorithms = []minitls.SignatureScheme{minitls.SigRSAPSSRSAESHA256, minitls.SigECDSASecp256r1SHA256}
	}

	if list := os.Getenv("TLS_CIPHER_SUITES"); list != "" {
		suites, err := minitls.ParseCipherSuiteList(list)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	cfg.ServerName = shared.GetEnvOrDefault("TLS_SERVER_NAME", "")
	cfg.ClientAuthentication = shared.GetEnvBoolOrDefault("TLS_CLIENT_AUTH", false)
	cfg.AddExtendedMasterSecret = shared.GetEnvBoolOrDefault("TLS_EXTENDED_MASTER_SECRET", false)
	cfg.ServerSendsApplicationData = shared.GetEnvBoolOrDefault("SERVER_SENDS_APPLICATION_DATA", false)
	cfg.StrictParsing = shared.GetEnvBoolOrDefault("STRICT_PARSING", false)
	cfg.ReceiveTimeout = shared.GetEnvDurationOrDefault("RECEIVE_TIMEOUT", cfg.ReceiveTimeout)
	if alpn := os.Getenv("TLS_ALPN"); alpn != "" {
		cfg.ALPNProtocols = strings.Split(alpn, ",")
	}

	switch mode := strings.ToLower(shared.GetEnvOrDefault("TLS_HEARTBEAT", "")); mode {
	case "", "none", "false":
	case "peer_allowed_to_send", "true":
		cfg.HeartbeatMode = minitls.HeartbeatPeerAllowedToSend
	case "peer_not_allowed_to_send":
		cfg.HeartbeatMode = minitls.HeartbeatPeerNotAllowedToSend
	default:
		return nil, fmt.Errorf("unknown TLS_HEARTBEAT mode %q", mode)
	}

	if err := loadIdentity(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	defaultTrace := "HANDSHAKE"
	if version.IsTLS13() {
		defaultTrace = "TLS13_HANDSHAKE"
	}
	traceType, err := workflow.ParseTraceType(shared.GetEnvOrDefault("TRACE_TYPE", defaultTrace))
	if err != nil {
		return nil, err
	}

	defaultTarget := "localhost:4433"
	if end == minitls.Server {
		defaultTarget = "listen://0.0.0.0:4433"
	}

	return &RunnerConfig{
		TLS: cfg,
		Policy: workflow.Policy{
			StrictProtocol:      !shared.GetEnvBoolOrDefault("TOLERANT", false),
			StopAfterFatalAlert: shared.GetEnvBoolOrDefault("STOP_AFTER_FATAL_ALERT", false),
		},
		TraceType:    traceType,
		TraceFile:    os.Getenv("TRACE_FILE"),
		ArchiveFile:  os.Getenv("ARCHIVE_FILE"),
		ArchiveOut:   os.Getenv("ARCHIVE_OUT"),
		Target:       shared.GetEnvOrDefault("TARGET", defaultTarget),
		TraceTimeout: shared.GetEnvDurationOrDefault("TRACE_TIMEOUT", 30*time.Second),
	}, nil
}

// loadIdentity reads TLS_CERT_FILE / TLS_KEY_FILE. A server without them gets
// a fresh self-signed identity.
func loadIdentity(cfg *minitls.Config) error {
	certFile, keyFile := os.Getenv("TLS_CERT_FILE"), os.Getenv("TLS_KEY_FILE")
	if certFile != "" {
		data, err := os.ReadFile(certFile)
		if err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		if cfg.CertificateChain, err = minitls.LoadCertificateChain(data); err != nil {
			return err
		}
	}
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		if cfg.RSAKey, err = minitls.LoadRSAPrivateKey(data); err != nil {
			return err
		}
	}
	if cfg.ConnectionEnd == minitls.Server && cfg.RSAKey == nil {
		name := cfg.ServerName
		if name == "" {
			name = "localhost"
		}
		key, cert, err := minitls.NewSelfSignedIdentity(name)
		if err != nil {
			return err
		}
		cfg.RSAKey = key
		cfg.CertificateChain = [][]byte{cert}
	}
	return nil
}
