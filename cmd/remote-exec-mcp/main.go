// Command remote-exec-mcp is the controller's primary entry point: it
// speaks MCP over standard I/O, backed by one of two transports selected at
// startup. A supplementary HTTP listener lives in cmd/remote-exec-mcp-http.
package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/tb0hdan/remote-exec-mcp/pkg/server"
	"github.com/tb0hdan/remote-exec-mcp/pkg/session"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools/bash"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools/fileops"
	"github.com/tb0hdan/remote-exec-mcp/pkg/tools/search"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport/kubeexectransport"
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport/sshtransport"
)

const (
	ServerName      = "remote-exec-mcp"
	ServiceName     = "Remote Execution & File-Access MCP Controller"
	ShutdownTimeout = 10 * time.Second
)

//go:embed VERSION
var Version string

func main() {
	var (
		debug        bool
		printVersion bool
		transportKey string

		sshHost          string
		sshPort          int
		sshUser          string
		sshPrivateKey    string
		sshKnownHostFile string

		kubeNamespace  string
		kubePod        string
		kubeContainer  string
		kubeKubeconfig string
	)

	flag.BoolVar(&debug, "debug", false, "debug mode")
	flag.BoolVar(&printVersion, "version", false, "print version and exit")
	flag.StringVar(&transportKey, "transport", "ssh", "remote transport: ssh or kube-exec")

	flag.StringVar(&sshHost, "ssh-host", "", "SSH host")
	flag.IntVar(&sshPort, "ssh-port", 22, "SSH port")
	flag.StringVar(&sshUser, "ssh-user", "", "SSH user")
	flag.StringVar(&sshPrivateKey, "ssh-private-key", "", "path to an SSH private key")
	flag.StringVar(&sshKnownHostFile, "ssh-known-host-key", "", "path to a pinned known_hosts-style public key for the SSH host")

	flag.StringVar(&kubeNamespace, "kube-namespace", "default", "kubectl namespace")
	flag.StringVar(&kubePod, "kube-pod", "", "kubectl pod name")
	flag.StringVar(&kubeContainer, "kube-container", "", "kubectl container name")
	flag.StringVar(&kubeKubeconfig, "kube-kubeconfig", "", "path to a kubeconfig file")

	flag.Parse()

	version := strings.TrimSpace(Version)
	if printVersion {
		fmt.Printf("%s Version: %s", ServiceName, version)
		os.Exit(0)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger.Debug().Msg("debug mode enabled")
	}

	t, err := buildTransport(transportKey, logger, sshOptions{
		host: sshHost, port: sshPort, user: sshUser,
		privateKeyPath: sshPrivateKey, knownHostFile: sshKnownHostFile,
	}, kubeOptions{
		namespace: kubeNamespace, pod: kubePod, container: kubeContainer, kubeconfig: kubeKubeconfig,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure transport")
	}

	impl := &mcp.Implementation{Name: ServerName, Version: version}
	srv := server.NewServer(impl)

	registry := session.NewRegistry(logger)
	toolList := []tools.Tool{
		bash.New(logger, t, registry),
		fileops.New(logger, t),
		search.New(logger, t),
	}
	for _, tool := range toolList {
		tool.Register(srv)
	}

	srv.OnShutdown(func(ctx context.Context) {
		registry.Shutdown(ctx)
		if err := t.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing transport")
		}
	})

	logger.Info().Str("transport", transportKey).Msg("remote-exec-mcp starting on stdio")

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Server.Run(signalCtx, &mcp.StdioTransport{}) }()

	select {
	case err := <-runErr:
		if err != nil {
			logger.Error().Err(err).Msg("mcp server exited with error")
		}
	case <-signalCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	} else {
		logger.Info().Msg("shutdown complete")
	}
}

type sshOptions struct {
	host           string
	port           int
	user           string
	privateKeyPath string
	knownHostFile  string
}

type kubeOptions struct {
	namespace  string
	pod        string
	container  string
	kubeconfig string
}

// buildTransport selects and constructs the configured transport. Secrets
// (password, key passphrase, agent socket) are read from the environment
// rather than flags, so they never land in shell history or ps output.
func buildTransport(kind string, logger zerolog.Logger, sshOpts sshOptions, kubeOpts kubeOptions) (transport.Transport, error) {
	switch kind {
	case "ssh":
		if sshOpts.host == "" || sshOpts.user == "" {
			return nil, fmt.Errorf("-ssh-host and -ssh-user are required for the ssh transport")
		}
		cfg := sshtransport.Config{
			Host:            sshOpts.host,
			Port:            sshOpts.port,
			User:            sshOpts.user,
			Password:        os.Getenv("REMOTE_EXEC_SSH_PASSWORD"),
			PrivateKeyPath:  sshOpts.privateKeyPath,
			Passphrase:      os.Getenv("REMOTE_EXEC_SSH_PASSPHRASE"),
			AgentSocketPath: os.Getenv("SSH_AUTH_SOCK"),
		}
		if sshOpts.knownHostFile != "" {
			b, err := os.ReadFile(sshOpts.knownHostFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read -ssh-known-host-key: %w", err)
			}
			cfg.KnownHostPubKey = string(b)
		}
		return sshtransport.New(cfg, logger), nil

	case "kube-exec":
		if kubeOpts.pod == "" {
			return nil, fmt.Errorf("-kube-pod is required for the kube-exec transport")
		}
		cfg := kubeexectransport.Config{
			Namespace:  kubeOpts.namespace,
			Pod:        kubeOpts.pod,
			Container:  kubeOpts.container,
			Kubeconfig: kubeOpts.kubeconfig,
		}
		return kubeexectransport.New(cfg, logger), nil

	default:
		return nil, fmt.Errorf("unknown transport %q (want ssh or kube-exec)", kind)
	}
}
