package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bridgecore/genesis/internal/bus"
	"github.com/bridgecore/genesis/internal/config"
	"github.com/bridgecore/genesis/internal/event"
	"github.com/bridgecore/genesis/internal/guardians"
	"github.com/bridgecore/genesis/internal/replay"
	"github.com/bridgecore/genesis/internal/store"
)

// runtime is the assembled stack a command operates on.
type runtime struct {
	cfg    config.Config
	store  store.Store
	gate   *guardians.Gate
	bus    *bus.Bus
	replay *replay.Engine

	auditFile *os.File
}

// loadConfig resolves the effective configuration for a command.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// buildRuntime assembles store, gate, bus, and replay engine from the
// configuration and registers the startup handler table.
func buildRuntime(cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.store = st

	auditW, auditFile, err := openAudit(cfg.Guardians.AuditPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	rt.auditFile = auditFile

	gate, err := guardians.New(cfg.Guardians.Config, guardians.NewAuditLog(auditW))
	if err != nil {
		rt.close()
		return nil, WrapExitError(ExitCommandError, "configure guardians", err)
	}
	rt.gate = gate

	registry, err := cfg.BuildRegistry()
	if err != nil {
		rt.close()
		return nil, WrapExitError(ExitCommandError, "build topic registry", err)
	}

	rt.bus = bus.New(registry, gate, st)
	rt.replay = replay.New(st, rt.bus)

	registerCoreHandlers(rt.bus)
	return rt, nil
}

func (rt *runtime) close() {
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
	}
	if rt.auditFile != nil {
		rt.auditFile.Close()
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory", "":
		var opts []store.MemoryOption
		if ttl := cfg.DedupeTTL(); ttl > 0 {
			opts = append(opts, store.WithMemoryDedupeTTL(ttl))
		}
		return store.NewMemory(opts...), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, WrapExitError(ExitCommandError, "sqlite backend needs store.path", nil)
		}
		var opts []store.Option
		if ttl := cfg.DedupeTTL(); ttl > 0 {
			opts = append(opts, store.WithDedupeTTL(ttl))
		}
		st, err := store.Open(cfg.Path, opts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open event store", err)
		}
		return st, nil
	default:
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("unknown store backend %q", cfg.Backend), nil)
	}
}

// openAudit returns the audit writer and, when backed by a file, the
// handle to close on shutdown.
func openAudit(path string) (io.Writer, *os.File, error) {
	if path == "" {
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open audit log", err)
	}
	return f, f, nil
}

// registerCoreHandlers installs the built-in subscriber table. Handlers
// are registered explicitly here, in one place, rather than discovered.
func registerCoreHandlers(b *bus.Bus) {
	b.Subscribe(bus.BlockedAuditTopic, bus.HandlerFunc("blocked-logger",
		func(ctx context.Context, ev event.Event) error {
			slog.Warn("publish blocked",
				"blocked_topic", ev.Payload["blocked_topic"],
				"blocked_source", ev.Payload["blocked_source"],
				"rule", ev.Payload["rule"],
				"reason", ev.Payload["reason"],
			)
			return nil
		}))

	b.Subscribe("heal.%", bus.HandlerFunc("heal-logger",
		func(ctx context.Context, ev event.Event) error {
			slog.Warn("heal signal", "topic", ev.Topic, "payload", ev.Payload, "replay", ev.Replay)
			return nil
		}))
}
