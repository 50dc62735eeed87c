package config

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/mnemod/mnemod/memory"
	"github.com/mnemod/mnemod/memory/chromem"
	"github.com/mnemod/mnemod/memory/ollama"
	"github.com/mnemod/mnemod/memory/openai"
	"github.com/mnemod/mnemod/memory/ristretto"
	"github.com/mnemod/mnemod/memory/sqlite"
	"github.com/mnemod/mnemod/migrations"
)

// System is the wired memory subsystem. Close releases every owned resource.
type System struct {
	Coordinator *memory.Coordinator
	Registry    *memory.Registry
	DB          *sql.DB
}

// Close shuts down the coordinator, the adapters and the database.
func (s *System) Close() error {
	if s.Coordinator != nil {
		s.Coordinator.Close()
	}
	var firstErr error
	if s.Registry != nil {
		firstErr = s.Registry.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build wires the full subsystem from configuration: durable store (with
// migrations), optional vector and cache adapters, the embedder, registry
// and coordinator. The embedder/vector dimension agreement is enforced here,
// at startup, so dimension mismatches never surface as call-time errors.
func Build(cfg *Config, logger zerolog.Logger) (*System, error) {
	embedder, err := buildEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.Durable.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrations.RunMigrations(db, cfg.Durable.MigrationsPath, logger); err != nil {
		_ = db.Close() //nolint:errcheck // cleanup on error
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	registry := memory.NewRegistry(logger)
	if err := registry.Register(sqlite.New(db, logger)); err != nil {
		_ = db.Close() //nolint:errcheck // cleanup on error
		return nil, err
	}

	if !cfg.Vector.Disabled {
		dims := cfg.Embedder.Dimensions
		if embedder != nil {
			if dims != 0 && dims != embedder.Dimensions() {
				_ = db.Close() //nolint:errcheck // cleanup on error
				return nil, fmt.Errorf("configured dimensions %d do not match embedder dimensions %d", dims, embedder.Dimensions())
			}
			dims = embedder.Dimensions()
		}
		var vec *chromem.Store
		if cfg.Vector.Path != "" {
			vec, err = chromem.NewPersistent(cfg.Vector.Path, dims, logger)
		} else {
			vec, err = chromem.New(dims, logger)
		}
		if err != nil {
			_ = db.Close() //nolint:errcheck // cleanup on error
			return nil, fmt.Errorf("create vector store: %w", err)
		}
		if err := registry.Register(vec); err != nil {
			_ = db.Close() //nolint:errcheck // cleanup on error
			return nil, err
		}
	}

	if !cfg.Cache.Disabled {
		cache, err := ristretto.New(ristretto.Options{
			NumCounters: cfg.Cache.NumCounters,
			MaxCost:     cfg.Cache.MaxCostBytes,
			RecordTTL:   cfg.Cache.RecordTTL(),
		}, logger)
		if err != nil {
			_ = db.Close() //nolint:errcheck // cleanup on error
			return nil, fmt.Errorf("create cache: %w", err)
		}
		if err := registry.Register(cache); err != nil {
			_ = db.Close() //nolint:errcheck // cleanup on error
			return nil, err
		}
	}

	coordinator := memory.NewCoordinator(registry, embedder, logger, memory.Options{
		BackendTimeout: cfg.Coordinator.BackendTimeout(),
		QueueSize:      cfg.Coordinator.QueueSize,
		Workers:        cfg.Coordinator.Workers,
		CacheTTL:       cfg.Cache.RecordTTL(),
		MaxEmbedChars:  cfg.Embedder.MaxChars,
		ScanLimit:      cfg.Coordinator.ScanLimit,
	})

	if err := coordinator.StartMaintenance(cfg.Coordinator.ProbeSchedule, cfg.Coordinator.SweepSchedule); err != nil {
		coordinator.Close()
		_ = db.Close() //nolint:errcheck // cleanup on error
		return nil, err
	}

	return &System{Coordinator: coordinator, Registry: registry, DB: db}, nil
}

func buildEmbedder(cfg EmbedderConfig) (memory.Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewEmbedder(ollama.Model(cfg.Model), cfg.Dimensions)
	case "openai":
		return openai.NewEmbedder(openai.Config{
			APIKey:     cfg.OpenAI.APIKey,
			BaseURL:    cfg.OpenAI.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedder provider: %q", cfg.Provider)
	}
}
