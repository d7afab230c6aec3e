package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/meetingscribe/transcriber/cmd/transcriber/filter"
	"github.com/meetingscribe/transcriber/cmd/transcriber/interleave"
	"github.com/meetingscribe/transcriber/cmd/transcriber/transcribe"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// defaults
	ModelSizeDefault    = ModelSizeTurbo
	FallbackSizeDefault = ModelSizeBase
	RecordingExtDefault = ".mkv"
	LanguageDefault     = "en"
	RetriesDefault      = 2
	StaleAfterDefault   = 12 * time.Hour
	OBSHostDefault      = "localhost"
	OBSPortDefault      = 4455
	WebHostDefault      = "127.0.0.1"
	WebPortDefault      = 5000
	SelfLabelDefault    = "Me"
	OthersLabelDefault  = "Others"

	queueFileName   = "processing_queue.csv"
	pendingFileName = ".pending_meeting"
	outputDirName   = "transcripts"
)

type ModelSize string

const (
	ModelSizeTiny   ModelSize = "tiny"
	ModelSizeBase   ModelSize = "base"
	ModelSizeSmall  ModelSize = "small"
	ModelSizeMedium ModelSize = "medium"
	ModelSizeLarge  ModelSize = "large"
	ModelSizeTurbo  ModelSize = "turbo"
)

func (p ModelSize) IsValid() bool {
	switch p {
	case ModelSizeTiny, ModelSizeBase, ModelSizeSmall, ModelSizeMedium, ModelSizeLarge, ModelSizeTurbo:
		return true
	default:
		return false
	}
}

// ModelName returns the whisper.cpp model name for the size, as found in
// ggml-<name>.bin.
func (p ModelSize) ModelName() string {
	switch p {
	case ModelSizeLarge:
		return "large-v3"
	case ModelSizeTurbo:
		return "large-v3-turbo"
	default:
		return string(p)
	}
}

type PathsConfig struct {
	DataDir       string `yaml:"data_dir"`
	RecordingPath string `yaml:"recording_path"`
	RecordingExt  string `yaml:"recording_ext"`
	OutputDir     string `yaml:"output_dir"`
	QueueFile     string `yaml:"queue_file"`
	PendingFile   string `yaml:"pending_file"`
}

type TranscribeConfig struct {
	WhisperBin        string    `yaml:"whisper_bin"`
	FFmpegBin         string    `yaml:"ffmpeg_bin"`
	ModelsDir         string    `yaml:"models_dir"`
	ModelSize         ModelSize `yaml:"model_size"`
	FallbackModelSize ModelSize `yaml:"fallback_model_size"`
	Language          string    `yaml:"language"`
	NumThreads        int       `yaml:"num_threads"`
	Retries           int       `yaml:"retries"`
	// StaleAfter is how long a job can stay in processing before it is
	// considered interrupted and put back in the queue.
	StaleAfter time.Duration `yaml:"stale_after"`
	// DiarizeCmd, if set, is run on the others track and must write RTTM
	// to stdout.
	DiarizeCmd string `yaml:"diarize_cmd"`
}

// ModelFile returns the path of the ggml model file for the given size.
func (c TranscribeConfig) ModelFile(size ModelSize) string {
	return filepath.Join(c.ModelsDir, fmt.Sprintf("ggml-%s.bin", size.ModelName()))
}

type OutputConfig struct {
	Formats          []interleave.Format      `yaml:"formats"`
	Text             transcribe.TextOptions   `yaml:"text"`
	WebVTT           transcribe.WebVTTOptions `yaml:"webvtt"`
	Filter           filter.Options           `yaml:"filter"`
	DeleteRecordings bool                     `yaml:"delete_recordings"`
}

type RecorderConfig struct {
	OBSHost     string `yaml:"obs_host"`
	OBSPort     int    `yaml:"obs_port"`
	OBSPassword string `yaml:"obs_password"`
}

// URL returns the obs-websocket endpoint.
func (c RecorderConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d", c.OBSHost, c.OBSPort)
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ProcessSchedule is an optional cron expression on which queued
	// recordings get processed.
	ProcessSchedule string `yaml:"process_schedule"`
}

func (c WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LabelsConfig struct {
	Self   string `yaml:"self"`
	Others string `yaml:"others"`
}

type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Output     OutputConfig     `yaml:"output"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Web        WebConfig        `yaml:"web"`
	Labels     LabelsConfig     `yaml:"labels"`
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func (cfg *Config) SetDefaults() {
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = "."
	}
	cfg.Paths.DataDir = expandHome(cfg.Paths.DataDir)

	if cfg.Paths.RecordingPath == "" {
		cfg.Paths.RecordingPath = "."
	}
	cfg.Paths.RecordingPath = expandHome(cfg.Paths.RecordingPath)

	if cfg.Paths.RecordingExt == "" {
		cfg.Paths.RecordingExt = RecordingExtDefault
	}
	if !strings.HasPrefix(cfg.Paths.RecordingExt, ".") {
		cfg.Paths.RecordingExt = "." + cfg.Paths.RecordingExt
	}

	if cfg.Paths.OutputDir == "" {
		cfg.Paths.OutputDir = filepath.Join(cfg.Paths.DataDir, outputDirName)
	}
	cfg.Paths.OutputDir = expandHome(cfg.Paths.OutputDir)

	if cfg.Paths.QueueFile == "" {
		cfg.Paths.QueueFile = filepath.Join(cfg.Paths.DataDir, queueFileName)
	}
	if cfg.Paths.PendingFile == "" {
		cfg.Paths.PendingFile = filepath.Join(cfg.Paths.DataDir, pendingFileName)
	}

	if cfg.Transcribe.WhisperBin == "" {
		cfg.Transcribe.WhisperBin = "whisper-cli"
	}
	if cfg.Transcribe.FFmpegBin == "" {
		cfg.Transcribe.FFmpegBin = "ffmpeg"
	}
	if cfg.Transcribe.ModelsDir == "" {
		cfg.Transcribe.ModelsDir = filepath.Join(cfg.Paths.DataDir, "models")
	}
	cfg.Transcribe.ModelsDir = expandHome(cfg.Transcribe.ModelsDir)
	if cfg.Transcribe.ModelSize == "" {
		cfg.Transcribe.ModelSize = ModelSizeDefault
	}
	if cfg.Transcribe.FallbackModelSize == "" {
		cfg.Transcribe.FallbackModelSize = FallbackSizeDefault
	}
	if cfg.Transcribe.Language == "" {
		cfg.Transcribe.Language = LanguageDefault
	}
	if cfg.Transcribe.NumThreads == 0 {
		cfg.Transcribe.NumThreads = max(1, runtime.NumCPU()/2)
	}
	if cfg.Transcribe.Retries == 0 {
		cfg.Transcribe.Retries = RetriesDefault
	}
	if cfg.Transcribe.StaleAfter == 0 {
		cfg.Transcribe.StaleAfter = StaleAfterDefault
	}

	if len(cfg.Output.Formats) == 0 {
		cfg.Output.Formats = []interleave.Format{interleave.FormatText}
	}
	if cfg.Output.WebVTT.IsEmpty() {
		cfg.Output.WebVTT.SetDefaults()
	}
	cfg.Output.Filter.SetDefaults()

	if cfg.Recorder.OBSHost == "" {
		cfg.Recorder.OBSHost = OBSHostDefault
	}
	if cfg.Recorder.OBSPort == 0 {
		cfg.Recorder.OBSPort = OBSPortDefault
	}

	if cfg.Web.Host == "" {
		cfg.Web.Host = WebHostDefault
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = WebPortDefault
	}

	if cfg.Labels.Self == "" {
		cfg.Labels.Self = SelfLabelDefault
	}
	if cfg.Labels.Others == "" {
		cfg.Labels.Others = OthersLabelDefault
	}
}

func (cfg Config) IsValid() error {
	if cfg.Paths.DataDir == "" {
		return fmt.Errorf("DataDir cannot be empty")
	}
	if cfg.Paths.RecordingPath == "" {
		return fmt.Errorf("RecordingPath cannot be empty")
	}
	if cfg.Paths.QueueFile == "" {
		return fmt.Errorf("QueueFile cannot be empty")
	}
	if cfg.Paths.PendingFile == "" {
		return fmt.Errorf("PendingFile cannot be empty")
	}
	if cfg.Paths.OutputDir == "" {
		return fmt.Errorf("OutputDir cannot be empty")
	}

	if !cfg.Transcribe.ModelSize.IsValid() {
		return fmt.Errorf("ModelSize value is not valid")
	}
	if !cfg.Transcribe.FallbackModelSize.IsValid() {
		return fmt.Errorf("FallbackModelSize value is not valid")
	}
	if numCPU := runtime.NumCPU(); cfg.Transcribe.NumThreads < 1 || cfg.Transcribe.NumThreads > numCPU {
		return fmt.Errorf("NumThreads should be in the range [1, %d]", numCPU)
	}
	if cfg.Transcribe.Retries < 1 {
		return fmt.Errorf("Retries should be at least 1")
	}
	if cfg.Transcribe.StaleAfter < time.Minute {
		return fmt.Errorf("StaleAfter should be at least 1m")
	}

	if len(cfg.Output.Formats) == 0 {
		return fmt.Errorf("Formats cannot be empty")
	}
	for _, f := range cfg.Output.Formats {
		if !f.IsValid() {
			return fmt.Errorf("OutputFormat value %q is not valid", f)
		}
	}
	if err := cfg.Output.Text.IsValid(); err != nil {
		return err
	}
	if err := cfg.Output.WebVTT.IsValid(); err != nil {
		return err
	}
	if err := cfg.Output.Filter.IsValid(); err != nil {
		return err
	}

	if cfg.Recorder.OBSPort < 1 || cfg.Recorder.OBSPort > 65535 {
		return fmt.Errorf("OBSPort should be in the range [1, 65535]")
	}
	if cfg.Web.Port < 1 || cfg.Web.Port > 65535 {
		return fmt.Errorf("WebPort should be in the range [1, 65535]")
	}
	if cfg.Web.ProcessSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Web.ProcessSchedule); err != nil {
			return fmt.Errorf("ProcessSchedule parsing failed: %w", err)
		}
	}

	if cfg.Labels.Self == "" || cfg.Labels.Others == "" {
		return fmt.Errorf("speaker labels cannot be empty")
	}
	if cfg.Labels.Self == cfg.Labels.Others {
		return fmt.Errorf("speaker labels must differ")
	}

	return nil
}

// FromFile loads the configuration from a YAML file.
func FromFile(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s parsing failed: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s parsing failed: %w", name, err)
	}
	*dst = d
	return nil
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// FromEnv overrides cfg with any value set in the environment.
func (cfg *Config) FromEnv() error {
	envString("DATA_DIR", &cfg.Paths.DataDir)
	envString("RECORDING_PATH", &cfg.Paths.RecordingPath)
	envString("RECORDING_EXT", &cfg.Paths.RecordingExt)
	envString("OUTPUT_DIR", &cfg.Paths.OutputDir)
	envString("QUEUE_FILE", &cfg.Paths.QueueFile)
	envString("PENDING_FILE", &cfg.Paths.PendingFile)

	envString("WHISPER_BIN", &cfg.Transcribe.WhisperBin)
	envString("FFMPEG_BIN", &cfg.Transcribe.FFmpegBin)
	envString("MODELS_DIR", &cfg.Transcribe.ModelsDir)
	envString("LANGUAGE", &cfg.Transcribe.Language)
	envString("DIARIZE_CMD", &cfg.Transcribe.DiarizeCmd)
	if val := os.Getenv("MODEL_SIZE"); val != "" {
		cfg.Transcribe.ModelSize = ModelSize(val)
	}
	if val := os.Getenv("FALLBACK_MODEL_SIZE"); val != "" {
		cfg.Transcribe.FallbackModelSize = ModelSize(val)
	}
	if err := envInt("NUM_THREADS", &cfg.Transcribe.NumThreads); err != nil {
		return err
	}
	if err := envInt("TRANSCRIBE_RETRIES", &cfg.Transcribe.Retries); err != nil {
		return err
	}
	if err := envDuration("STALE_AFTER", &cfg.Transcribe.StaleAfter); err != nil {
		return err
	}

	if val := os.Getenv("OUTPUT_FORMATS"); val != "" {
		cfg.Output.Formats = nil
		for _, f := range strings.Split(val, ",") {
			if f = strings.TrimSpace(f); f != "" {
				cfg.Output.Formats = append(cfg.Output.Formats, interleave.Format(f))
			}
		}
	}
	if val := os.Getenv("DELETE_RECORDINGS"); val != "" {
		del, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("DELETE_RECORDINGS parsing failed: %w", err)
		}
		cfg.Output.DeleteRecordings = del
	}
	cfg.Output.Text.FromEnv()
	cfg.Output.WebVTT.FromEnv()
	if err := envDuration("FILTER_MAX_GAP", &cfg.Output.Filter.MaxGap); err != nil {
		return err
	}
	if err := envInt("FILTER_MAX_WORDS", &cfg.Output.Filter.MaxWords); err != nil {
		return err
	}

	envString("OBS_HOST", &cfg.Recorder.OBSHost)
	envString("OBS_PASSWORD", &cfg.Recorder.OBSPassword)
	if err := envInt("OBS_PORT", &cfg.Recorder.OBSPort); err != nil {
		return err
	}

	envString("WEB_HOST", &cfg.Web.Host)
	envString("PROCESS_SCHEDULE", &cfg.Web.ProcessSchedule)
	if err := envInt("WEB_PORT", &cfg.Web.Port); err != nil {
		return err
	}

	envString("SELF_LABEL", &cfg.Labels.Self)
	envString("OTHERS_LABEL", &cfg.Labels.Others)

	return nil
}

// Load builds the configuration from the optional YAML file at path and
// the environment, in that order of precedence, then applies defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		var err error
		cfg, err = FromFile(path)
		if err != nil {
			return cfg, err
		}
	}

	if err := cfg.FromEnv(); err != nil {
		return cfg, err
	}
	cfg.SetDefaults()

	return cfg, nil
}
