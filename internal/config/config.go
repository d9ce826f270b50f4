package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Converter   ConverterConfig   `yaml:"converter"`
	Engine      EngineConfig      `yaml:"engine"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Scratch     ScratchConfig     `yaml:"scratch"`
	Bus         BusConfig         `yaml:"bus"`
}

// ConverterConfig describes how the audio transcoder is discovered and invoked.
// Command is split into shell words: the first word is probed on PATH, the
// rest are appended to every conversion as output options.
type ConverterConfig struct {
	Command        string   `yaml:"command"`
	SearchPaths    []string `yaml:"search_paths"`
	VersionFlag    string   `yaml:"version_flag"`
	ProbeTimeoutMS int      `yaml:"probe_timeout_ms"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // vosk, exec, mock
	Command        string `yaml:"command"`
	LoadLogLevel   int    `yaml:"load_log_level"`
	DecodeLogLevel int    `yaml:"decode_log_level"`
}

type TranscriberConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	ChunkSize       int    `yaml:"chunk_size"`
	Words           bool   `yaml:"words"`
	ExcerptRunes    int    `yaml:"excerpt_runes"`
	EventBuffer     int    `yaml:"event_buffer"`
	DefaultModelDir string `yaml:"default_model_dir"`
}

type ScratchConfig struct {
	BaseDir string `yaml:"base_dir"`
	Name    string `yaml:"name"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPInsecure: true,
		},
		Converter: ConverterConfig{
			Command:        "ffmpeg",
			VersionFlag:    "-version",
			ProbeTimeoutMS: 5000,
		},
		Engine: EngineConfig{
			Mode:           "vosk",
			LoadLogLevel:   0,
			DecodeLogLevel: -1,
		},
		Transcriber: TranscriberConfig{
			SampleRate:   16000,
			ChunkSize:    8000,
			Words:        true,
			ExcerptRunes: 70,
			EventBuffer:  64,
		},
		Scratch: ScratchConfig{
			Name: "loqa_scribe_scratch",
		},
		Bus: BusConfig{
			Enabled:        false,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "scribe",
		},
	}
}

// Load reads path (optional), then .env from the working directory, then
// LOQA_SCRIBE_* overrides.
func Load(path string) (Config, error) {
	return LoadWithEnvFile(path, ".env")
}

// LoadWithEnvFile is Load with an explicit dotenv file. Variables already set
// in the process environment win over the file.
func LoadWithEnvFile(path, envFile string) (Config, error) {
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

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SCRIBE_ENVIRONMENT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "LOQA_SCRIBE_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_SCRIBE_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Converter.Command, "LOQA_SCRIBE_CONVERTER_COMMAND")
	overrideStringSlice(&cfg.Converter.SearchPaths, "LOQA_SCRIBE_CONVERTER_SEARCH_PATHS")
	overrideString(&cfg.Converter.VersionFlag, "LOQA_SCRIBE_CONVERTER_VERSION_FLAG")
	overrideInt(&cfg.Converter.ProbeTimeoutMS, "LOQA_SCRIBE_CONVERTER_PROBE_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "LOQA_SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_SCRIBE_ENGINE_COMMAND")
	overrideInt(&cfg.Engine.LoadLogLevel, "LOQA_SCRIBE_ENGINE_LOAD_LOG_LEVEL")
	overrideInt(&cfg.Engine.DecodeLogLevel, "LOQA_SCRIBE_ENGINE_DECODE_LOG_LEVEL")
	overrideInt(&cfg.Transcriber.SampleRate, "LOQA_SCRIBE_TRANSCRIBER_SAMPLE_RATE")
	overrideInt(&cfg.Transcriber.ChunkSize, "LOQA_SCRIBE_TRANSCRIBER_CHUNK_SIZE")
	overrideBool(&cfg.Transcriber.Words, "LOQA_SCRIBE_TRANSCRIBER_WORDS")
	overrideInt(&cfg.Transcriber.ExcerptRunes, "LOQA_SCRIBE_TRANSCRIBER_EXCERPT_RUNES")
	overrideInt(&cfg.Transcriber.EventBuffer, "LOQA_SCRIBE_TRANSCRIBER_EVENT_BUFFER")
	overrideString(&cfg.Transcriber.DefaultModelDir, "LOQA_SCRIBE_TRANSCRIBER_DEFAULT_MODEL_DIR")
	overrideString(&cfg.Scratch.BaseDir, "LOQA_SCRIBE_SCRATCH_BASE_DIR")
	overrideString(&cfg.Scratch.Name, "LOQA_SCRIBE_SCRATCH_NAME")
	overrideBool(&cfg.Bus.Enabled, "LOQA_SCRIBE_BUS_ENABLED")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_SCRIBE_BUS_SUBJECT_PREFIX")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if strings.TrimSpace(cfg.Converter.Command) == "" {
		return errors.New("converter.command must not be empty")
	}
	if cfg.Converter.ProbeTimeoutMS < 0 {
		return errors.New("converter.probe_timeout_ms must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "vosk", "exec", "mock":
	default:
		return errors.New("engine.mode must be one of vosk|exec|mock")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Transcriber.SampleRate <= 0 {
		return errors.New("transcriber.sample_rate must be positive")
	}
	if cfg.Transcriber.ChunkSize <= 0 {
		return errors.New("transcriber.chunk_size must be positive")
	}
	if cfg.Transcriber.ExcerptRunes < 1 {
		return errors.New("transcriber.excerpt_runes must be >= 1")
	}
	if cfg.Transcriber.EventBuffer < 0 {
		return errors.New("transcriber.event_buffer must be >= 0")
	}
	if cfg.Scratch.Name == "" {
		return errors.New("scratch.name must not be empty")
	}
	if cfg.Bus.Enabled {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when the bus is enabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty when the bus is enabled")
		}
	}
	return nil
}
