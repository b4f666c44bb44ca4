package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel         string  `yaml:"log_level"`
	TraceExporter    string  `yaml:"trace_exporter"` // otlp, stdout or none; empty picks otlp when an endpoint is set
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
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
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	STT         STTConfig        `yaml:"stt"`
	Live        LiveConfig       `yaml:"live"`
	Capture     CaptureConfig    `yaml:"capture"`
}

// NodeConfig identifies this process on the bus. An empty ID is replaced by
// the runtime name.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled              bool     `yaml:"enabled"`
	Embedded             bool     `yaml:"embedded"`
	Port                 int      `yaml:"port"`
	StoreDir             string   `yaml:"store_dir"`
	Servers              []string `yaml:"servers"`
	Username             string   `yaml:"username"`
	Password             string   `yaml:"password"`
	Token                string   `yaml:"token"`
	TLSInsecure          bool     `yaml:"tls_insecure"`
	ConnectTimeout       int      `yaml:"connect_timeout_ms"`
	StreamRetentionHours int      `yaml:"stream_retention_hours"` // 0 disables the delta stream
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// STTConfig selects and parameterises the inference engine.
type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
}

// LiveConfig holds the tunables of the streaming transcription core.
type LiveConfig struct {
	Enabled               bool     `yaml:"enabled"`
	TargetSampleRate      int      `yaml:"target_sample_rate"`
	StepMS                int      `yaml:"step_ms"`
	PollMS                int      `yaml:"poll_ms"`
	MaxBufferMS           int      `yaml:"max_buffer_ms"`
	SilenceCommitSteps    int      `yaml:"silence_commit_steps"`
	VADMultiplier         float64  `yaml:"vad_multiplier"`
	VADMinThreshold       float64  `yaml:"vad_min_threshold"`
	CalibrationMS         int      `yaml:"calibration_ms"`
	CalibrationChunkMS    int      `yaml:"calibration_chunk_ms"`
	LiveWindow            string   `yaml:"live_window"` // full, sliding
	LiveWindowMS          int      `yaml:"live_window_ms"`
	StopTimeoutMS         int      `yaml:"stop_timeout_ms"`
	HallucinationPatterns []string `yaml:"hallucination_patterns"`
}

// CaptureConfig describes where live audio comes from.
type CaptureConfig struct {
	Mode      string `yaml:"mode"` // bus, file
	SessionID string `yaml:"session_id"`
	File      string `yaml:"file"`
	Realtime  bool   `yaml:"realtime"`
	ChunkMS   int    `yaml:"chunk_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-live",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceExporter:    "",
			TraceSampleRatio: 1,
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Enabled:              true,
			Embedded:             true,
			Port:                 4222,
			StoreDir:             "./data/nats",
			Servers:              []string{"nats://localhost:4222"},
			ConnectTimeout:       2000,
			StreamRetentionHours: 24,
		},
		Node: NodeConfig{
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-live.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "auto",
		},
		Live: LiveConfig{
			Enabled:            true,
			TargetSampleRate:   16000,
			StepMS:             500,
			PollMS:             100,
			MaxBufferMS:        30000,
			SilenceCommitSteps: 3,
			VADMultiplier:      3.0,
			VADMinThreshold:    0.02,
			CalibrationMS:      1000,
			CalibrationChunkMS: 100,
			LiveWindow:         "full",
			LiveWindowMS:       10000,
			StopTimeoutMS:      2000,
		},
		Capture: CaptureConfig{
			Mode:      "bus",
			SessionID: "default",
			Realtime:  true,
			ChunkMS:   20,
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

// Step returns the inference cadence as a duration.
func (c LiveConfig) Step() time.Duration { return time.Duration(c.StepMS) * time.Millisecond }

// Poll returns the ingest poll cadence as a duration.
func (c LiveConfig) Poll() time.Duration { return time.Duration(c.PollMS) * time.Millisecond }

// StopTimeout bounds how long a stopping session waits for in-flight inference.
func (c LiveConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// Samples converts a millisecond duration into a sample count at the target rate.
func (c LiveConfig) Samples(ms int) int {
	return int(int64(ms) * int64(c.TargetSampleRate) / 1000)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.StreamRetentionHours, "LOQA_BUS_STREAM_RETENTION_HOURS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideBool(&cfg.Live.Enabled, "LOQA_LIVE_ENABLED")
	overrideInt(&cfg.Live.TargetSampleRate, "LOQA_LIVE_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Live.StepMS, "LOQA_LIVE_STEP_MS")
	overrideInt(&cfg.Live.PollMS, "LOQA_LIVE_POLL_MS")
	overrideInt(&cfg.Live.MaxBufferMS, "LOQA_LIVE_MAX_BUFFER_MS")
	overrideInt(&cfg.Live.SilenceCommitSteps, "LOQA_LIVE_SILENCE_COMMIT_STEPS")
	overrideFloat(&cfg.Live.VADMultiplier, "LOQA_LIVE_VAD_MULTIPLIER")
	overrideFloat(&cfg.Live.VADMinThreshold, "LOQA_LIVE_VAD_MIN_THRESHOLD")
	overrideInt(&cfg.Live.CalibrationMS, "LOQA_LIVE_CALIBRATION_MS")
	overrideInt(&cfg.Live.CalibrationChunkMS, "LOQA_LIVE_CALIBRATION_CHUNK_MS")
	overrideString(&cfg.Live.LiveWindow, "LOQA_LIVE_WINDOW")
	overrideInt(&cfg.Live.LiveWindowMS, "LOQA_LIVE_WINDOW_MS")
	overrideInt(&cfg.Live.StopTimeoutMS, "LOQA_LIVE_STOP_TIMEOUT_MS")
	overrideStringSlice(&cfg.Live.HallucinationPatterns, "LOQA_LIVE_HALLUCINATION_PATTERNS")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.SessionID, "LOQA_CAPTURE_SESSION_ID")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideInt(&cfg.Capture.ChunkMS, "LOQA_CAPTURE_CHUNK_MS")
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
	switch cfg.Telemetry.TraceExporter {
	case "", "otlp", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.trace_exporter %q is not one of otlp, stdout, none", cfg.Telemetry.TraceExporter)
	}
	if cfg.Telemetry.TraceExporter == "otlp" && cfg.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint must be set when trace_exporter is otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be >= node.heartbeat_interval_ms")
		}
	}
	if cfg.Bus.StreamRetentionHours < 0 {
		return errors.New("bus.stream_retention_hours must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.Threads < 0 {
		return errors.New("stt.threads must be >= 0")
	}
	if err := ValidateLive(cfg.Live); err != nil {
		return err
	}
	if cfg.Live.Enabled {
		switch cfg.Capture.Mode {
		case "bus":
			if !cfg.Bus.Enabled {
				return errors.New("capture.mode=bus requires bus.enabled")
			}
			if cfg.Capture.SessionID == "" {
				return errors.New("capture.session_id must not be empty when mode=bus")
			}
		case "file":
			if cfg.Capture.File == "" {
				return errors.New("capture.file must be set when mode=file")
			}
		default:
			return errors.New("capture.mode must be one of bus|file")
		}
		if cfg.Capture.ChunkMS <= 0 {
			return errors.New("capture.chunk_ms must be positive")
		}
	}
	return nil
}

// ValidateLive checks the streaming tunables; the CLI reuses it without a full Config.
func ValidateLive(live LiveConfig) error {
	if live.TargetSampleRate <= 0 {
		return errors.New("live.target_sample_rate must be positive")
	}
	if live.StepMS <= 0 {
		return errors.New("live.step_ms must be positive")
	}
	if live.PollMS <= 0 {
		return errors.New("live.poll_ms must be positive")
	}
	if live.PollMS > live.StepMS {
		return errors.New("live.poll_ms must not exceed live.step_ms")
	}
	if live.MaxBufferMS < live.StepMS {
		return errors.New("live.max_buffer_ms must be >= live.step_ms")
	}
	if live.SilenceCommitSteps <= 0 {
		return errors.New("live.silence_commit_steps must be positive")
	}
	if live.VADMultiplier <= 0 {
		return errors.New("live.vad_multiplier must be positive")
	}
	if live.VADMinThreshold < 0 {
		return errors.New("live.vad_min_threshold must be >= 0")
	}
	if live.CalibrationMS < 0 {
		return errors.New("live.calibration_ms must be >= 0")
	}
	if live.CalibrationMS > 0 && live.CalibrationChunkMS <= 0 {
		return errors.New("live.calibration_chunk_ms must be positive when calibrating")
	}
	switch live.LiveWindow {
	case "full":
	case "sliding":
		if live.LiveWindowMS < live.StepMS {
			return errors.New("live.live_window_ms must be >= live.step_ms for sliding windows")
		}
	default:
		return errors.New("live.live_window must be one of full|sliding")
	}
	if live.StopTimeoutMS <= 0 {
		return errors.New("live.stop_timeout_ms must be positive")
	}
	return nil
}
