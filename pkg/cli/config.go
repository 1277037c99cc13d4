package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/fennec/pkg/adapter"
	"github.com/m-mizutani/fennec/pkg/repository"
	"github.com/m-mizutani/fennec/pkg/usecase/chat"
	"github.com/m-mizutani/fennec/pkg/usecase/cleanup"
	"github.com/m-mizutani/fennec/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	// Repository
	project  string
	database string

	// Adapters
	geminiAPIKey  string
	geminiModel   string
	archiveBucket string

	// Behavior
	maxIterations      int
	historyLimit       int
	inactivityTimeout  time.Duration
	retentionDays      int
	cleanupInterval    time.Duration
	maxReclaimAttempts int

	logLevel   string
	configPath string
}

// fileConfig mirrors the optional YAML defaults file. Flags and env vars
// take precedence over file values.
type fileConfig struct {
	GeminiModel        string `yaml:"gemini_model"`
	ArchiveBucket      string `yaml:"archive_bucket"`
	MaxIterations      int    `yaml:"max_iterations"`
	HistoryLimit       int    `yaml:"history_limit"`
	InactivitySeconds  int    `yaml:"inactivity_timeout_seconds"`
	RetentionDays      int    `yaml:"retention_days"`
	CleanupIntervalMin int    `yaml:"cleanup_interval_minutes"`
	MaxReclaimAttempts int    `yaml:"max_reclaim_attempts"`
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("FENNEC_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML defaults file",
			Sources:     cli.EnvVars("FENNEC_CONFIG"),
			Destination: &cfg.configPath,
		},
	}
}

// llmFlags returns flags for the generation backend
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Generative model name",
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
	}
}

// cleanupFlags returns flags for the reclamation job
func cleanupFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "retention-days",
			Usage:       "Days a trashed item stays recoverable",
			Sources:     cli.EnvVars("FENNEC_RETENTION_DAYS"),
			Destination: &cfg.retentionDays,
		},
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket for conversation archives (empty disables archiving)",
			Sources:     cli.EnvVars("FENNEC_ARCHIVE_BUCKET"),
			Destination: &cfg.archiveBucket,
		},
		&cli.IntFlag{
			Name:        "max-reclaim-attempts",
			Usage:       "Retry budget for transiently failing channels (0 retries forever)",
			Sources:     cli.EnvVars("FENNEC_MAX_RECLAIM_ATTEMPTS"),
			Destination: &cfg.maxReclaimAttempts,
		},
	}
}

// setup applies the YAML defaults file and attaches the logger to the
// context. Call it at the start of every command action.
func (cfg *config) setup(ctx context.Context) (context.Context, error) {
	if cfg.configPath != "" {
		data, err := os.ReadFile(cfg.configPath)
		if err != nil {
			return ctx, goerr.Wrap(err, "failed to read config file", goerr.V("path", cfg.configPath))
		}

		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return ctx, goerr.Wrap(err, "failed to parse config file", goerr.V("path", cfg.configPath))
		}

		if cfg.geminiModel == "" {
			cfg.geminiModel = fc.GeminiModel
		}
		if cfg.archiveBucket == "" {
			cfg.archiveBucket = fc.ArchiveBucket
		}
		if cfg.maxIterations == 0 {
			cfg.maxIterations = fc.MaxIterations
		}
		if cfg.historyLimit == 0 {
			cfg.historyLimit = fc.HistoryLimit
		}
		if cfg.inactivityTimeout == 0 && fc.InactivitySeconds > 0 {
			cfg.inactivityTimeout = time.Duration(fc.InactivitySeconds) * time.Second
		}
		if cfg.retentionDays == 0 {
			cfg.retentionDays = fc.RetentionDays
		}
		if cfg.cleanupInterval == 0 && fc.CleanupIntervalMin > 0 {
			cfg.cleanupInterval = time.Duration(fc.CleanupIntervalMin) * time.Minute
		}
		if cfg.maxReclaimAttempts == 0 {
			cfg.maxReclaimAttempts = fc.MaxReclaimAttempts
		}
	}

	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (*repository.Firestore, error) {
	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	repo, err := repository.New(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	if cfg.geminiAPIKey == "" {
		return nil, goerr.New("gemini-api-key is required")
	}

	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	return adapter.NewGemini(ctx, cfg.geminiAPIKey, opts...)
}

// newFileSearch creates a new file search adapter instance
func (cfg *config) newFileSearch(ctx context.Context) (adapter.FileSearch, error) {
	if cfg.geminiAPIKey == "" {
		return nil, goerr.New("gemini-api-key is required")
	}

	var opts []adapter.FileSearchOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithSearchModel(cfg.geminiModel))
	}
	return adapter.NewFileSearch(ctx, cfg.geminiAPIKey, opts...)
}

// newRelay wires the reasoning loop and the stream relay
func (cfg *config) newRelay(ctx context.Context, repo *repository.Firestore) (*chat.Relay, error) {
	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	search, err := cfg.newFileSearch(ctx)
	if err != nil {
		return nil, err
	}

	var agentOpts []chat.AgentOption
	if cfg.maxIterations > 0 {
		agentOpts = append(agentOpts, chat.WithMaxIterations(cfg.maxIterations))
	}
	agent := chat.NewAgent(gemini, search, agentOpts...)

	var relayOpts []chat.RelayOption
	if cfg.inactivityTimeout > 0 {
		relayOpts = append(relayOpts, chat.WithInactivityTimeout(cfg.inactivityTimeout))
	}
	if cfg.historyLimit > 0 {
		relayOpts = append(relayOpts, chat.WithHistoryLimit(cfg.historyLimit))
	}
	return chat.NewRelay(agent, gemini, repo, relayOpts...), nil
}

// newReclaimer wires the reclamation job
func (cfg *config) newReclaimer(ctx context.Context, repo *repository.Firestore) (*cleanup.Reclaimer, error) {
	search, err := cfg.newFileSearch(ctx)
	if err != nil {
		return nil, err
	}

	opts := []cleanup.Option{}
	if cfg.retentionDays > 0 {
		opts = append(opts, cleanup.WithRetention(time.Duration(cfg.retentionDays)*24*time.Hour))
	}
	if cfg.maxReclaimAttempts > 0 {
		opts = append(opts, cleanup.WithMaxAttempts(cfg.maxReclaimAttempts))
	}
	if cfg.archiveBucket != "" {
		archive, err := adapter.NewStorage(ctx, cfg.archiveBucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create archive storage")
		}
		opts = append(opts, cleanup.WithArchive(archive))
	}

	return cleanup.New(repo, search, opts...), nil
}
