package config

import (
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/civicnorth/tracker-cli/internal/model"
)

// Config holds the full application configuration. It is constructed once at
// startup and passed explicitly to the orchestrator and job constructors.
type Config struct {
	Store        StoreConfig          `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig      `yaml:"anthropic" mapstructure:"anthropic"`
	Embeddings   EmbeddingsConfig     `yaml:"embeddings" mapstructure:"embeddings"`
	LegisInfo    LegisInfoConfig      `yaml:"legisinfo" mapstructure:"legisinfo"`
	Linker       LinkerConfig         `yaml:"linker" mapstructure:"linker"`
	Scorer       ScorerConfig         `yaml:"scorer" mapstructure:"scorer"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator" mapstructure:"orchestrator"`
	Jobs         map[string]JobConfig `yaml:"jobs" mapstructure:"jobs"`
	Server       ServerConfig         `yaml:"server" mapstructure:"server"`
	Log          LogConfig            `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the document store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for the relationship validator
// and the evidence extraction processor.
type AnthropicConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	ValidatorModel  string  `yaml:"validator_model" mapstructure:"validator_model"`
	ExtractModel    string  `yaml:"extract_model" mapstructure:"extract_model"`
	MaxPairsPerCall int     `yaml:"max_pairs_per_call" mapstructure:"max_pairs_per_call"`
	RatePerSecond   float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// EmbeddingsConfig holds embedding service settings.
type EmbeddingsConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// LegisInfoConfig configures the LEGISinfo bill event source.
type LegisInfoConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Session string `yaml:"session" mapstructure:"session"`
}

// LinkerConfig holds the matching engine knobs. The three similarity values
// are independently tunable: floor discards candidates outright, threshold is
// the acceptance bar, and bypass accepts without remote validation.
type LinkerConfig struct {
	SimilarityFloor      float64 `yaml:"similarity_floor" mapstructure:"similarity_floor"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	HighSimilarityBypass float64 `yaml:"high_similarity_bypass" mapstructure:"high_similarity_bypass"`
	MaterialityDelta     float64 `yaml:"materiality_delta" mapstructure:"materiality_delta"`
	BatchSize            int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxItemsPerRun       int     `yaml:"max_items_per_run" mapstructure:"max_items_per_run"`
	Workers              int     `yaml:"workers" mapstructure:"workers"`
	DepartmentFilter     bool    `yaml:"department_filter" mapstructure:"department_filter"`
	DryRun               bool    `yaml:"dry_run" mapstructure:"dry_run"`
}

// ScorerConfig holds progress score band boundaries.
type ScorerConfig struct {
	PreparatoryMin int `yaml:"preparatory_min" mapstructure:"preparatory_min"` // supporting links needed for band 3
	EnactedMin     int `yaml:"enacted_min" mapstructure:"enacted_min"`         // direct links needed for band 5
}

// OrchestratorConfig bounds job execution.
type OrchestratorConfig struct {
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	QueueSize         int    `yaml:"queue_size" mapstructure:"queue_size"`
	BusyPolicy        string `yaml:"busy_policy" mapstructure:"busy_policy"` // "reject" or "queue"
}

// TriggerConfig declares a conditional downstream enqueue.
type TriggerConfig struct {
	Condition   string `yaml:"condition" mapstructure:"condition"` // e.g. "items_created > 0"
	TargetStage string `yaml:"target_stage" mapstructure:"target_stage"`
	TargetJob   string `yaml:"target_job" mapstructure:"target_job"`
}

// JobConfig is the per-job static configuration loaded at startup.
type JobConfig struct {
	Stage              string          `yaml:"stage" mapstructure:"stage"`
	Schedule           string          `yaml:"schedule" mapstructure:"schedule"` // cron expression, empty = manual only
	TimeoutSeconds     int             `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	RetryAttempts      int             `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BackoffBaseSeconds float64         `yaml:"backoff_base_seconds" mapstructure:"backoff_base_seconds"`
	Triggers           []TriggerConfig `yaml:"triggers" mapstructure:"triggers"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Jobs) == 0 {
		cfg.Jobs = DefaultJobs()
	}
	if err := ValidateJobs(cfg.Jobs); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "tracker.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("anthropic.validator_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.extract_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_pairs_per_call", 8)
	v.SetDefault("anthropic.rate_per_second", 2.0)

	v.SetDefault("embeddings.base_url", "https://api.jina.ai/v1")
	v.SetDefault("embeddings.model", "jina-embeddings-v3")

	v.SetDefault("legisinfo.base_url", "https://www.parl.ca/legisinfo")
	v.SetDefault("legisinfo.session", "45-1")

	v.SetDefault("linker.similarity_floor", 0.35)
	v.SetDefault("linker.similarity_threshold", 0.55)
	v.SetDefault("linker.high_similarity_bypass", 0.82)
	v.SetDefault("linker.materiality_delta", 0.05)
	v.SetDefault("linker.batch_size", 15)
	v.SetDefault("linker.max_items_per_run", 100)
	v.SetDefault("linker.workers", 4)
	v.SetDefault("linker.department_filter", true)

	v.SetDefault("scorer.preparatory_min", 2)
	v.SetDefault("scorer.enacted_min", 1)

	v.SetDefault("orchestrator.max_concurrent_jobs", 4)
	v.SetDefault("orchestrator.queue_size", 64)
	v.SetDefault("orchestrator.busy_policy", "reject")
}

// DefaultJobs returns the built-in pipeline job configuration: a bill-event
// ingestion job feeding the processor, the linker, and the scorer via
// conditional triggers.
func DefaultJobs() map[string]JobConfig {
	return map[string]JobConfig{
		"legisinfo-bills": {
			Stage:              string(model.StageIngestion),
			Schedule:           "0 */6 * * *",
			TimeoutSeconds:     300,
			RetryAttempts:      3,
			BackoffBaseSeconds: 2,
			Triggers: []TriggerConfig{
				{Condition: "items_created > 0", TargetStage: string(model.StageProcessing), TargetJob: "evidence-processor"},
			},
		},
		"evidence-processor": {
			Stage:              string(model.StageProcessing),
			TimeoutSeconds:     600,
			RetryAttempts:      3,
			BackoffBaseSeconds: 2,
			Triggers: []TriggerConfig{
				{Condition: "items_created > 0", TargetStage: string(model.StageLinking), TargetJob: "evidence-linker"},
			},
		},
		"evidence-linker": {
			Stage:              string(model.StageLinking),
			TimeoutSeconds:     900,
			RetryAttempts:      2,
			BackoffBaseSeconds: 5,
			Triggers: []TriggerConfig{
				{Condition: "new_links_created > 0", TargetStage: string(model.StageScoring), TargetJob: "progress-scorer"},
			},
		},
		"progress-scorer": {
			Stage:              string(model.StageScoring),
			TimeoutSeconds:     300,
			RetryAttempts:      2,
			BackoffBaseSeconds: 2,
		},
	}
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateJobs checks that job configs are internally consistent: known
// stages, parseable schedules, and trigger targets that exist.
func ValidateJobs(jobs map[string]JobConfig) error {
	for name, jc := range jobs {
		if !model.ValidStage(model.Stage(jc.Stage)) {
			return eris.Errorf("config: job %q has unknown stage %q", name, jc.Stage)
		}
		if jc.Schedule != "" {
			if _, err := cronParser.Parse(jc.Schedule); err != nil {
				return eris.Wrapf(err, "config: job %q schedule %q", name, jc.Schedule)
			}
		}
		for _, tr := range jc.Triggers {
			target, ok := jobs[tr.TargetJob]
			if !ok {
				return eris.Errorf("config: job %q trigger targets unknown job %q", name, tr.TargetJob)
			}
			if target.Stage != tr.TargetStage {
				return eris.Errorf("config: job %q trigger stage %q does not match job %q stage %q",
					name, tr.TargetStage, tr.TargetJob, target.Stage)
			}
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
