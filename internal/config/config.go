// Package config loads process configuration for the active learning
// control plane: storage paths, case-ID policy, retraining thresholds,
// experience-replay tuning, and auth/encryption settings. Values come
// from an optional YAML file overlaid on environment variables overlaid
// on defaults, in that decreasing order of precedence -- mirroring the
// source system's pure-env configuration (original_source/config.py)
// while adding the optional file layer the rest of this codebase's
// ambient stack favors for operator convenience.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig controls where per-user ledgers and AL artifacts live.
type StorageConfig struct {
	Root               string `yaml:"root"`
	UserStoragePrefix   string `yaml:"user_storage_prefix"`
	MetadataFilename    string `yaml:"metadata_filename"`
	LegacyMetadataFile  string `yaml:"legacy_metadata_file"`
	CaseCounterFilename string `yaml:"case_counter_filename"`
	ImageExtension      string `yaml:"image_extension"`
	BlurThreshold       float64 `yaml:"blur_threshold"`
}

// CaseConfig controls case-ID allocation.
type CaseConfig struct {
	IDStart    int `yaml:"id_start"`
	MaxDigits  int `yaml:"max_digits"`
}

// ALConfig controls the active-learning workspace (model registry, label
// pool, event log, training config) and retrain thresholds.
type ALConfig struct {
	WorkspaceRoot          string        `yaml:"workspace_root"`
	ModelsDir              string        `yaml:"-"`
	ProductionDir          string        `yaml:"-"`
	CandidatesDir          string        `yaml:"-"`
	ArchiveDir             string        `yaml:"-"`
	ModelRegistryFile      string        `yaml:"-"`
	LabelsPoolFile         string        `yaml:"-"`
	EventLogFile           string        `yaml:"-"`
	ActiveConfigFile       string        `yaml:"-"`
	TrainingLogFilename    string        `yaml:"training_log_filename"`
	RetrainMinNewLabels    int           `yaml:"retrain_min_new_labels"`
	ForceBaseModelOnly     bool          `yaml:"force_base_model_only"`
	DefaultArchitecture    string        `yaml:"default_architecture"`
	SplitSeed              int64         `yaml:"split_seed"`
	SplitTrainRatio        float64       `yaml:"split_train_ratio"`
	CandidatesTopK         int           `yaml:"candidates_top_k"`
	CandidatesIncludeLabel bool          `yaml:"candidates_include_labeled"`
	RetrainDevice          string        `yaml:"retrain_device"`
	LabelMap               map[string]int    `yaml:"label_map"`
	BaseModels             map[string]string `yaml:"base_models"`
}

// ReplayConfig controls experience-replay sample selection (C7).
type ReplayConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OldDatasetDir string `yaml:"old_dataset_dir"`
	OldDataCSV    string `yaml:"old_data_csv"`
	ImageColumn   string `yaml:"image_column"`
	LabelColumn   string `yaml:"label_column"`
	Quota         int     `yaml:"quota"`
	HerdingRatio  float64 `yaml:"herding_ratio"`
	RandomRatio   float64 `yaml:"random_ratio"`
	Seed          int64   `yaml:"seed"`
	ImageSize     int     `yaml:"image_size"`
	BatchSize     int     `yaml:"batch_size"`
}

// AuthConfig controls API-key and JWT bearer authentication.
type AuthConfig struct {
	APIKey        string        `yaml:"api_key"`
	JWTSecretKey  string        `yaml:"jwt_secret_key"`
	JWTAlgorithm  string        `yaml:"jwt_algorithm"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	UsersFile     string        `yaml:"users_file"`
}

// EncryptionConfig controls at-rest encryption of per-user ledgers and
// uploaded images.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Config is the full process configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Case       CaseConfig       `yaml:"case"`
	AL         ALConfig         `yaml:"al"`
	Replay     ReplayConfig     `yaml:"replay"`
	Auth       AuthConfig       `yaml:"auth"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// SupportedArchitectures is the closed set of model architectures the
// retrainer will accept (spec §4.8).
var SupportedArchitectures = []string{
	"efficientnet_v2_m",
	"resnet50",
	"mobilenet_v3_large",
	"yolo",
}

// Default returns the built-in defaults, matching original_source's
// config.py constants.
func Default() *Config {
	storageRoot := "storage"
	workspaceRoot := filepath.Join(storageRoot, "AL")
	modelsDir := filepath.Join(workspaceRoot, "models")

	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8000",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{
			Root:                storageRoot,
			UserStoragePrefix:   "user",
			MetadataFilename:    "metadata.jsonl",
			LegacyMetadataFile:  filepath.Join(storageRoot, "metadata.jsonl"),
			CaseCounterFilename: "case_counter.json",
			ImageExtension:      ".jpg",
			BlurThreshold:       100.0,
		},
		Case: CaseConfig{
			IDStart:   10000,
			MaxDigits: 6,
		},
		AL: ALConfig{
			WorkspaceRoot:          workspaceRoot,
			ModelsDir:              modelsDir,
			ProductionDir:          filepath.Join(modelsDir, "production"),
			CandidatesDir:          filepath.Join(modelsDir, "candidates"),
			ArchiveDir:             filepath.Join(modelsDir, "archive"),
			ModelRegistryFile:      filepath.Join(workspaceRoot, "db", "model_registry.json"),
			LabelsPoolFile:         filepath.Join(workspaceRoot, "db", "labels_pool.jsonl"),
			EventLogFile:           filepath.Join(workspaceRoot, "db", "event_log.jsonl"),
			ActiveConfigFile:       filepath.Join(workspaceRoot, "config", "active_config.json"),
			TrainingLogFilename:    "training_log.json",
			RetrainMinNewLabels:    20,
			ForceBaseModelOnly:     true,
			DefaultArchitecture:    "efficientnet_v2_m",
			SplitSeed:              42,
			SplitTrainRatio:        0.8,
			CandidatesTopK:         5,
			CandidatesIncludeLabel: false,
			RetrainDevice:          "auto",
			LabelMap: map[string]int{
				"akiec": 0, "bcc": 1, "bkl": 2, "df": 3, "mel": 4, "nv": 5, "vasc": 6,
			},
			BaseModels: map[string]string{
				"efficientnet_v2_m":  filepath.Join("assets", "models", "ham10000_efficientNetV2m_7Class.pt"),
				"resnet50":           filepath.Join("assets", "models", "ham10000_resnet50_7Class.pt"),
				"mobilenet_v3_large": filepath.Join("assets", "models", "best_skin_model_mobilenet_v3.pt"),
				"yolo":               filepath.Join("assets", "models", "ham10000_yolo_7Class.pt"),
			},
		},
		Replay: ReplayConfig{
			Enabled:      true,
			OldDatasetDir: filepath.Join("assets", "old_dataset"),
			OldDataCSV:    filepath.Join("assets", "HAM10000_metadata.csv"),
			ImageColumn:   "image_id",
			LabelColumn:   "dx",
			Quota:         150,
			HerdingRatio:  0.8,
			RandomRatio:   0.2,
			Seed:          42,
			ImageSize:     224,
			BatchSize:     32,
		},
		Auth: AuthConfig{
			APIKey:        "abc123",
			JWTSecretKey:  "change-me-in-production",
			JWTAlgorithm:  "HS256",
			JWTExpiration: 24 * time.Hour,
			UsersFile:     filepath.Join(storageRoot, "users.json"),
		},
		Encryption: EncryptionConfig{
			Enabled: false,
		},
	}
}

// Load builds a Config starting from Default, overlaying environment
// variables, then overlaying the YAML file at path when path is
// non-empty. It returns an error when an environment override cannot be
// applied, when a non-empty path cannot be read (a missing file
// included) or parsed, or when the result fails validation; an empty
// path argument is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	deriveALPaths(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// deriveALPaths recomputes the AL workspace's derived paths from
// WorkspaceRoot, so a YAML override of just workspace_root still
// relocates every file beneath it.
func deriveALPaths(cfg *Config) {
	root := cfg.AL.WorkspaceRoot
	models := filepath.Join(root, "models")
	cfg.AL.ModelsDir = models
	cfg.AL.ProductionDir = filepath.Join(models, "production")
	cfg.AL.CandidatesDir = filepath.Join(models, "candidates")
	cfg.AL.ArchiveDir = filepath.Join(models, "archive")
	cfg.AL.ModelRegistryFile = filepath.Join(root, "db", "model_registry.json")
	cfg.AL.LabelsPoolFile = filepath.Join(root, "db", "labels_pool.jsonl")
	cfg.AL.EventLogFile = filepath.Join(root, "db", "event_log.jsonl")
	cfg.AL.ActiveConfigFile = filepath.Join(root, "config", "active_config.json")
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		cfg.Auth.JWTSecretKey = v
	}
	if v := os.Getenv("USERS_FILE"); v != "" {
		cfg.Auth.UsersFile = v
	}
	if v := os.Getenv("JWT_EXPIRATION_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JWT_EXPIRATION_HOURS: %w", err)
		}
		cfg.Auth.JWTExpiration = time.Duration(hours) * time.Hour
	}
	if v := os.Getenv("CASE_ID_START"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CASE_ID_START: %w", err)
		}
		cfg.Case.IDStart = n
	}
	if v := os.Getenv("RETRAIN_MIN_NEW_LABELS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RETRAIN_MIN_NEW_LABELS: %w", err)
		}
		cfg.AL.RetrainMinNewLabels = n
	}
	if v := os.Getenv("ENCRYPT_STORAGE"); v != "" {
		cfg.Encryption.Enabled = truthy(v)
	}
	if v := os.Getenv("DATA_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("BACKSERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func validate(cfg *Config) error {
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.Case.IDStart <= 0 {
		return fmt.Errorf("case.id_start must be positive")
	}
	if cfg.AL.RetrainMinNewLabels < 1 {
		return fmt.Errorf("al.retrain_min_new_labels must be at least 1")
	}
	if cfg.AL.SplitTrainRatio <= 0 || cfg.AL.SplitTrainRatio >= 1 {
		return fmt.Errorf("al.split_train_ratio must be in (0, 1)")
	}
	if cfg.Encryption.Enabled && cfg.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required when encryption.enabled is true")
	}
	if !architectureSupported(cfg.AL.DefaultArchitecture) {
		return fmt.Errorf("al.default_architecture %q is not supported", cfg.AL.DefaultArchitecture)
	}
	return nil
}

func architectureSupported(arch string) bool {
	for _, a := range SupportedArchitectures {
		if a == arch {
			return true
		}
	}
	return false
}

// UserStorageDir returns the per-user storage directory under the
// configured storage root.
func (c *Config) UserStorageDir(userID string) string {
	return filepath.Join(c.Storage.Root, userID)
}

// UserMetadataPath returns the per-user ledger file path.
func (c *Config) UserMetadataPath(userID string) string {
	return filepath.Join(c.UserStorageDir(userID), c.Storage.MetadataFilename)
}

// UserCounterPath returns the per-user case-counter file path.
func (c *Config) UserCounterPath(userID string) string {
	return filepath.Join(c.UserStorageDir(userID), c.Storage.CaseCounterFilename)
}
