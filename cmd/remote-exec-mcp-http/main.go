// Command remote-exec-mcp-http is a supplementary entry point: the same
// tool catalog exposed over StreamableHTTP instead of stdio, for manual
// local smoke-testing.
package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
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
	"github.com/tb0hdan/remote-exec-mcp/pkg/transport/sshtransport"
)

const (
	ServerName      = "remote-exec-mcp-http"
	ServiceName     = "Remote Execution & File-Access MCP Controller (HTTP smoke test)"
	ShutdownTimeout = 10 * time.Second
)

//go:embed VERSION
var Version string

func main() {
	var (
		debug        bool
		bindAddr     string
		printVersion bool

		sshHost string
		sshPort int
		sshUser string
		sshKey  string
	)
	flag.BoolVar(&debug, "debug", false, "debug mode")
	flag.StringVar(&bindAddr, "bind", "localhost:8899", "bind address (host:port)")
	flag.BoolVar(&printVersion, "version", false, "print version and exit")
	flag.StringVar(&sshHost, "ssh-host", "", "SSH host")
	flag.IntVar(&sshPort, "ssh-port", 22, "SSH port")
	flag.StringVar(&sshUser, "ssh-user", "", "SSH user")
	flag.StringVar(&sshKey, "ssh-private-key", "", "path to an SSH private key")
	flag.Parse()

	version := strings.TrimSpace(Version)
	if printVersion {
		fmt.Printf("%s Version: %s", ServiceName, version)
		os.Exit(0)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		logger.Debug().Msg("debug mode enabled")
	}

	if sshHost == "" || sshUser == "" {
		logger.Fatal().Msg("-ssh-host and -ssh-user are required")
	}
	t := sshtransport.New(sshtransport.Config{
		Host:            sshHost,
		Port:            sshPort,
		User:            sshUser,
		Password:        os.Getenv("REMOTE_EXEC_SSH_PASSWORD"),
		PrivateKeyPath:  sshKey,
		Passphrase:      os.Getenv("REMOTE_EXEC_SSH_PASSPHRASE"),
		AgentSocketPath: os.Getenv("SSH_AUTH_SOCK"),
	}, logger)

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
		_ = t.Close()
	})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return &srv.Server
	}, nil)

	http.Handle("/mcp", handler)
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"service": ServiceName,
			"version": version,
			"endpoints": map[string]string{
				"mcp": "/mcp",
			},
		})
	})

	logger.Info().Msgf("%s starting on address %s", ServiceName, bindAddr)
	logger.Info().Msgf("MCP endpoint available at: http://%s/mcp", bindAddr)

	httpServer := &http.Server{Addr: bindAddr}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Msgf("%s failed to start: %v", ServerName, err)
		}
	}()

	<-signalCtx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Msgf("%s shutdown error: %v", ServiceName, err)
	} else {
		logger.Info().Msgf("%s shutdown complete", ServiceName)
	}
}
