package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/sttgate/internal/stt"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Decision    DecisionConfig   `yaml:"decision"`
	Breaker     BreakerConfig    `yaml:"breaker"`
	Provider    ProviderConfig   `yaml:"provider"`
	NLP         NLPConfig        `yaml:"nlp"`
	Lexicon     LexiconConfig    `yaml:"lexicon"`
	Events      EventsConfig     `yaml:"events"`
}

// NodeConfig identifies this gateway on the bus for the provider registry.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// DecisionConfig mirrors stt.Policy in YAML form.
type DecisionConfig struct {
	MaxAttemptsPerTurn      int   `yaml:"max_attempts_per_turn"`
	MaxTotalLatencyBudgetMS int64 `yaml:"max_total_latency_budget_ms"`
	MaxRetriesPerProvider   int   `yaml:"max_retries_per_provider"`

	MinAvgWordConfidence      float64 `yaml:"min_avg_word_confidence"`
	MaxLowConfidenceRatio     float64 `yaml:"max_low_confidence_ratio"`
	RequireStable             bool    `yaml:"require_stable"`
	MinConfidenceBucketToPass string  `yaml:"min_confidence_bucket_to_pass"`

	MinCharsPerSecond float64 `yaml:"min_chars_per_second"`
	MinCharsAbsolute  int     `yaml:"min_chars_absolute"`

	StreamLowLatencyConfidenceMin float64 `yaml:"stream_low_latency_confidence_min"`
	StreamLowLatencyMinChars      int     `yaml:"stream_low_latency_min_chars"`
	StreamMaxRevisions            int     `yaml:"stream_max_revisions"`

	SemanticGateEnabled bool `yaml:"semantic_gate_enabled"`
	MinSemanticQuality  int  `yaml:"min_semantic_quality"`

	RequireOverlapDisambiguation bool `yaml:"require_overlap_disambiguation"`

	CostQualityConfidenceToleranceBP int  `yaml:"cost_quality_confidence_tolerance_bp"`
	DisagreementThresholdBP          int  `yaml:"disagreement_threshold_bp"`
	EnforceDisagreement              bool `yaml:"enforce_disagreement"`
	CostQualityRouting               bool `yaml:"cost_quality_routing"`
}

type BreakerConfig struct {
	FailureThreshold int   `yaml:"failure_threshold"`
	CooldownMS       int64 `yaml:"cooldown_ms"`
}

type RouteConfig struct {
	ProviderID string `yaml:"provider_id"`
	ModelID    string `yaml:"model_id"`
	CostUnits  int    `yaml:"cost_units"`
}

type ProviderConfig struct {
	Mode          string      `yaml:"mode"` // mock, exec, nats
	Command       string      `yaml:"command"`
	SubjectPrefix string      `yaml:"subject_prefix"`
	TimeoutMS     int64       `yaml:"timeout_ms"`
	RetryBudget   int         `yaml:"retry_budget"`
	Primary       RouteConfig `yaml:"primary"`
	Secondary     RouteConfig `yaml:"secondary"`
	MockText      string      `yaml:"mock_text"`
	MockLanguage  string      `yaml:"mock_language"`
	MockConfBP    int         `yaml:"mock_confidence_bp"`
}

type NLPConfig struct {
	Mode      string `yaml:"mode"` // rules, ollama
	Endpoint  string `yaml:"endpoint"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Repair    bool   `yaml:"repair"`
}

type LexiconConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type EventsConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	TopicFinal  string   `yaml:"topic_final"`
	TopicReject string   `yaml:"topic_reject"`
	TopicShadow string   `yaml:"topic_shadow"`
	Principal   string   `yaml:"principal"`
}

func Default() Config {
	policy := stt.DefaultPolicy()
	breaker := stt.DefaultBreakerConfig()
	return Config{
		RuntimeName: "sttgate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Node: NodeConfig{
			ID:                  "sttgate-local",
			HeartbeatIntervalMS: 2000,
			HeartbeatTimeoutMS:  6000,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/sttgate-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Decision: DecisionConfig{
			MaxAttemptsPerTurn:               policy.MaxAttemptsPerTurn,
			MaxTotalLatencyBudgetMS:          policy.MaxTotalLatencyBudgetMS,
			MaxRetriesPerProvider:            policy.MaxRetriesPerProvider,
			MinAvgWordConfidence:             policy.MinAvgWordConfidence,
			MaxLowConfidenceRatio:            policy.MaxLowConfidenceRatio,
			RequireStable:                    policy.RequireStable,
			MinConfidenceBucketToPass:        policy.MinConfidenceBucketToPass.String(),
			MinCharsPerSecond:                policy.MinCharsPerSecond,
			MinCharsAbsolute:                 policy.MinCharsAbsolute,
			StreamLowLatencyConfidenceMin:    policy.StreamLowLatencyConfidenceMin,
			StreamLowLatencyMinChars:         policy.StreamLowLatencyMinChars,
			StreamMaxRevisions:               policy.StreamMaxRevisions,
			SemanticGateEnabled:              policy.SemanticGateEnabled,
			MinSemanticQuality:               policy.MinSemanticQuality,
			RequireOverlapDisambiguation:     policy.RequireOverlapDisambiguation,
			CostQualityConfidenceToleranceBP: policy.CostQualityConfidenceToleranceBP,
			DisagreementThresholdBP:          2500,
			EnforceDisagreement:              false,
			CostQualityRouting:               false,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			CooldownMS:       breaker.CooldownMS,
		},
		Provider: ProviderConfig{
			Mode:          "mock",
			SubjectPrefix: "sttgate.provider",
			TimeoutMS:     2000,
			RetryBudget:   2,
			Primary:       RouteConfig{ProviderID: "mock", ModelID: "mock-stt", CostUnits: 1},
			MockText:      "set a timer for ten minutes",
			MockLanguage:  "en-US",
			MockConfBP:    9400,
		},
		NLP: NLPConfig{
			Mode:      "rules",
			Endpoint:  "http://localhost:11434",
			Model:     "llama3.2:latest",
			TimeoutMS: 1500,
			Repair:    true,
		},
		Lexicon: LexiconConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Prefix:  "sttgate:lexicon",
		},
		Events: EventsConfig{
			Enabled:     false,
			TopicFinal:  "sttgate.outcome.final",
			TopicReject: "sttgate.outcome.reject",
			TopicShadow: "sttgate.outcome.shadow",
			Principal:   "sttgate",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Policy converts the decision section into a decision policy.
func (d DecisionConfig) Policy() (stt.Policy, error) {
	bucket, err := stt.ParseBucket(d.MinConfidenceBucketToPass)
	if err != nil {
		return stt.Policy{}, fmt.Errorf("decision.min_confidence_bucket_to_pass: %w", err)
	}
	p := stt.Policy{
		MaxAttemptsPerTurn:               d.MaxAttemptsPerTurn,
		MaxTotalLatencyBudgetMS:          d.MaxTotalLatencyBudgetMS,
		MaxRetriesPerProvider:            d.MaxRetriesPerProvider,
		MinAvgWordConfidence:             d.MinAvgWordConfidence,
		MaxLowConfidenceRatio:            d.MaxLowConfidenceRatio,
		RequireStable:                    d.RequireStable,
		MinConfidenceBucketToPass:        bucket,
		MinCharsPerSecond:                d.MinCharsPerSecond,
		MinCharsAbsolute:                 d.MinCharsAbsolute,
		StreamLowLatencyConfidenceMin:    d.StreamLowLatencyConfidenceMin,
		StreamLowLatencyMinChars:         d.StreamLowLatencyMinChars,
		StreamMaxRevisions:               d.StreamMaxRevisions,
		SemanticGateEnabled:              d.SemanticGateEnabled,
		MinSemanticQuality:               d.MinSemanticQuality,
		RequireOverlapDisambiguation:     d.RequireOverlapDisambiguation,
		CostQualityConfidenceToleranceBP: d.CostQualityConfidenceToleranceBP,
	}
	if err := p.Validate(); err != nil {
		return stt.Policy{}, err
	}
	return p, nil
}

func (b BreakerConfig) Config() stt.BreakerConfig {
	return stt.BreakerConfig{FailureThreshold: b.FailureThreshold, CooldownMS: b.CooldownMS}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "STTD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "STTD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STTD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STTD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STTD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STTD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STTD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Node.ID, "STTD_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "STTD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "STTD_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Embedded, "STTD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STTD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "STTD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "STTD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STTD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STTD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STTD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STTD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STTD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "STTD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "STTD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "STTD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "STTD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "STTD_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Decision.MaxAttemptsPerTurn, "STTD_DECISION_MAX_ATTEMPTS_PER_TURN")
	overrideInt64(&cfg.Decision.MaxTotalLatencyBudgetMS, "STTD_DECISION_MAX_TOTAL_LATENCY_BUDGET_MS")
	overrideInt(&cfg.Decision.MaxRetriesPerProvider, "STTD_DECISION_MAX_RETRIES_PER_PROVIDER")
	overrideFloat(&cfg.Decision.MinAvgWordConfidence, "STTD_DECISION_MIN_AVG_WORD_CONFIDENCE")
	overrideFloat(&cfg.Decision.MaxLowConfidenceRatio, "STTD_DECISION_MAX_LOW_CONFIDENCE_RATIO")
	overrideBool(&cfg.Decision.RequireStable, "STTD_DECISION_REQUIRE_STABLE")
	overrideString(&cfg.Decision.MinConfidenceBucketToPass, "STTD_DECISION_MIN_CONFIDENCE_BUCKET")
	overrideBool(&cfg.Decision.SemanticGateEnabled, "STTD_DECISION_SEMANTIC_GATE_ENABLED")
	overrideInt(&cfg.Decision.MinSemanticQuality, "STTD_DECISION_MIN_SEMANTIC_QUALITY")
	overrideInt(&cfg.Decision.StreamMaxRevisions, "STTD_DECISION_STREAM_MAX_REVISIONS")
	overrideInt(&cfg.Decision.DisagreementThresholdBP, "STTD_DECISION_DISAGREEMENT_THRESHOLD_BP")
	overrideBool(&cfg.Decision.EnforceDisagreement, "STTD_DECISION_ENFORCE_DISAGREEMENT")
	overrideBool(&cfg.Decision.CostQualityRouting, "STTD_DECISION_COST_QUALITY_ROUTING")
	overrideInt(&cfg.Breaker.FailureThreshold, "STTD_BREAKER_FAILURE_THRESHOLD")
	overrideInt64(&cfg.Breaker.CooldownMS, "STTD_BREAKER_COOLDOWN_MS")
	overrideString(&cfg.Provider.Mode, "STTD_PROVIDER_MODE")
	overrideString(&cfg.Provider.Command, "STTD_PROVIDER_COMMAND")
	overrideString(&cfg.Provider.SubjectPrefix, "STTD_PROVIDER_SUBJECT_PREFIX")
	overrideInt64(&cfg.Provider.TimeoutMS, "STTD_PROVIDER_TIMEOUT_MS")
	overrideInt(&cfg.Provider.RetryBudget, "STTD_PROVIDER_RETRY_BUDGET")
	overrideString(&cfg.Provider.Primary.ProviderID, "STTD_PROVIDER_PRIMARY_ID")
	overrideString(&cfg.Provider.Primary.ModelID, "STTD_PROVIDER_PRIMARY_MODEL")
	overrideString(&cfg.Provider.Secondary.ProviderID, "STTD_PROVIDER_SECONDARY_ID")
	overrideString(&cfg.Provider.Secondary.ModelID, "STTD_PROVIDER_SECONDARY_MODEL")
	overrideString(&cfg.NLP.Mode, "STTD_NLP_MODE")
	overrideString(&cfg.NLP.Endpoint, "STTD_NLP_ENDPOINT")
	overrideString(&cfg.NLP.Model, "STTD_NLP_MODEL")
	overrideInt(&cfg.NLP.TimeoutMS, "STTD_NLP_TIMEOUT_MS")
	overrideBool(&cfg.NLP.Repair, "STTD_NLP_REPAIR")
	overrideBool(&cfg.Lexicon.Enabled, "STTD_LEXICON_ENABLED")
	overrideString(&cfg.Lexicon.Addr, "STTD_LEXICON_ADDR")
	overrideString(&cfg.Lexicon.Username, "STTD_LEXICON_USERNAME")
	overrideString(&cfg.Lexicon.Password, "STTD_LEXICON_PASSWORD")
	overrideInt(&cfg.Lexicon.DB, "STTD_LEXICON_DB")
	overrideString(&cfg.Lexicon.Prefix, "STTD_LEXICON_PREFIX")
	overrideBool(&cfg.Events.Enabled, "STTD_EVENTS_ENABLED")
	overrideStringSlice(&cfg.Events.Brokers, "STTD_EVENTS_BROKERS")
	overrideString(&cfg.Events.TopicFinal, "STTD_EVENTS_TOPIC_FINAL")
	overrideString(&cfg.Events.TopicReject, "STTD_EVENTS_TOPIC_REJECT")
	overrideString(&cfg.Events.TopicShadow, "STTD_EVENTS_TOPIC_SHADOW")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatIntervalMS <= 0 || cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
		return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if _, err := cfg.Decision.Policy(); err != nil {
		return fmt.Errorf("decision: %w", err)
	}
	if cfg.Decision.DisagreementThresholdBP < 0 || cfg.Decision.DisagreementThresholdBP > 10000 {
		return errors.New("decision.disagreement_threshold_bp must be within [0,10000]")
	}
	if err := cfg.Breaker.Config().Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	switch cfg.Provider.Mode {
	case "mock", "exec", "nats":
	default:
		return errors.New("provider.mode must be one of mock|exec|nats")
	}
	if cfg.Provider.Mode == "exec" && cfg.Provider.Command == "" {
		return errors.New("provider.command must be set when mode=exec")
	}
	if cfg.Provider.Mode == "nats" && cfg.Provider.SubjectPrefix == "" {
		return errors.New("provider.subject_prefix must be set when mode=nats")
	}
	if cfg.Provider.Primary.ProviderID == "" || cfg.Provider.Primary.ModelID == "" {
		return errors.New("provider.primary must name a provider and model")
	}
	if cfg.Provider.TimeoutMS < 50 || cfg.Provider.TimeoutMS > 60000 {
		return errors.New("provider.timeout_ms must be within [50,60000]")
	}
	if cfg.Provider.RetryBudget < 1 || cfg.Provider.RetryBudget > 8 {
		return errors.New("provider.retry_budget must be within [1,8]")
	}
	switch cfg.NLP.Mode {
	case "rules":
	case "ollama":
		if cfg.NLP.Endpoint == "" || cfg.NLP.Model == "" {
			return errors.New("nlp.endpoint and nlp.model must be set when mode=ollama")
		}
	default:
		return errors.New("nlp.mode must be one of rules|ollama")
	}
	if cfg.Lexicon.Enabled && cfg.Lexicon.Addr == "" {
		return errors.New("lexicon.addr must be set when the lexicon store is enabled")
	}
	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 {
			return errors.New("events.brokers must not be empty when events are enabled")
		}
		if cfg.Events.TopicFinal == "" || cfg.Events.TopicReject == "" || cfg.Events.TopicShadow == "" {
			return errors.New("events topics must not be empty when events are enabled")
		}
	}
	return nil
}
