// Remote gateway - multiplexes terminals, assistant instances, file
// operations and state sync to authenticated remote clients over WebSocket.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benhollis/remotegw/internal/assistantmux"
	"github.com/benhollis/remotegw/internal/auth"
	"github.com/benhollis/remotegw/internal/config"
	"github.com/benhollis/remotegw/internal/container"
	"github.com/benhollis/remotegw/internal/dispatcher"
	"github.com/benhollis/remotegw/internal/featurecache"
	"github.com/benhollis/remotegw/internal/fileops"
	"github.com/benhollis/remotegw/internal/hostbridge"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/logging"
	"github.com/benhollis/remotegw/internal/pathguard"
	"github.com/benhollis/remotegw/internal/persistence"
	"github.com/benhollis/remotegw/internal/pty"
	"github.com/benhollis/remotegw/internal/server"
	"github.com/benhollis/remotegw/internal/session"
	"github.com/benhollis/remotegw/internal/synchub"
	"github.com/benhollis/remotegw/internal/terminalmux"
	"github.com/benhollis/remotegw/internal/workspace"
)

// tokenValidator adapts the JWKS validator to the transport's
// TokenValidator boundary.
type tokenValidator struct {
	jwt *auth.Validator
}

func (v tokenValidator) SessionForToken(token, sessionID string) (*session.Session, error) {
	claims, err := v.jwt.Validate(token)
	if err != nil {
		return nil, err
	}
	return auth.SessionFromClaims(claims, sessionID), nil
}

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	validator, err := auth.NewValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
	if err != nil {
		slog.Error("failed to initialize token validation", "error", err)
		os.Exit(1)
	}
	defer validator.Close()

	var resolver pty.ContainerResolver
	if cfg.ContainerMode {
		discovery := container.NewDiscovery(container.Config{
			LabelKey:   cfg.ContainerLabelKey,
			LabelValue: cfg.ContainerLabelValue,
			CacheTTL:   cfg.ContainerCacheTTL,
		})
		resolver = discovery.GetContainerID
		slog.Info("container mode enabled", "label", cfg.ContainerLabelKey)
	}

	workspaces := workspace.NewQuery(cfg.GlobalWorkspace, cfg.UserConfigPath)

	manager := pty.NewManager(pty.ManagerConfig{
		DefaultShell:      cfg.DefaultShell,
		DefaultRows:       cfg.DefaultRows,
		DefaultCols:       cfg.DefaultCols,
		WorkDir:           workspaces.Path(),
		ContainerResolver: resolver,
		ContainerUser:     cfg.ContainerUser,
		GracePeriod:       cfg.PTYGracePeriod,
		BufferSize:        cfg.PTYOutputBufferSize,
	})
	defer manager.CloseAllSessions()

	registry := session.NewRegistry()
	isoTable := isolation.New(cfg.MaxInstancesPerUser)

	d := dispatcher.New(dispatcher.Deps{
		Registry:  registry,
		Isolation: isoTable,
		Workspace: workspaces,
		Features:  featurecache.New(featurecache.DefaultProber(cfg.FeaturesSettingsPath, cfg.FeaturesToolPath)),
	})

	// The host bridge is wired in by the embedding host process; a
	// standalone gateway serves only gateway-owned instances.
	var bridge hostbridge.Bridge

	terminals := terminalmux.New(manager, isoTable, bridge, d)

	assistants := assistantmux.New(assistantmux.Config{
		Manager:   manager,
		Isolation: isoTable,
		Bridge:    bridge,
		Emitter:   d,
		Detector: &assistantmux.CachedDetector{
			ExplicitPath: cfg.AssistantBinaryPath,
			Names:        cfg.AssistantBinaryNames,
		},
		IdleQuiesce: cfg.AssistantIdleQuiesce,
	})

	guard := pathguard.New(workspaces.Path(), cfg.ForbiddenPathPrefixes)
	files := fileops.New(guard, d, cfg.WatchDebounce)
	defer files.Close()

	var journal *persistence.Store
	if cfg.PersistenceEnabled {
		journal, err = persistence.Open(cfg.PersistenceDBPath)
		if err != nil {
			slog.Error("failed to open patch journal", "path", cfg.PersistenceDBPath, "error", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	hub, err := synchub.New(registry, d, journal)
	if err != nil {
		slog.Error("failed to initialize sync hub", "error", err)
		os.Exit(1)
	}

	d.SetComponents(terminals, assistants, files, hub)

	srv := server.New(cfg, d, tokenValidator{jwt: validator})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	slog.Info("gateway stopped")
}
