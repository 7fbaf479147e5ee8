package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/avidal-labs/datarun/internal/registry"
)

// Config holds all datarun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath              string `json:"db_path"`
	DataDBPath          string `json:"data_db_path"`
	ArtifactsDir        string `json:"artifacts_dir"`
	TemplatesPath       string `json:"templates_path"`
	LogLevel            string `json:"log_level"`
	ConfirmTimeoutS     int    `json:"confirm_timeout_s"`
	StepTimeoutS        int    `json:"step_timeout_s"`
	ReasoningTimeoutS   int    `json:"reasoning_timeout_s"`
	AutoApproveRule     string `json:"auto_approve_rule"`
	LLMModel            string `json:"llm_model"`
	LLMBaseURL          string `json:"llm_base_url"`
	LLMAPIKey           string `json:"llm_api_key"`

	// MCPProviders lists external tool servers to launch and register.
	// Configurable via settings.json only.
	MCPProviders []registry.MCPProviderConfig `json:"mcp_providers,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(datarunDir(), "datarun.db"),
		DataDBPath:        filepath.Join(datarunDir(), "data.db"),
		ArtifactsDir:      filepath.Join(datarunDir(), "artifacts"),
		LogLevel:          "info",
		ConfirmTimeoutS:   1800,
		StepTimeoutS:      120,
		ReasoningTimeoutS: 90,
	}
}

func datarunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".datarun"
	}
	return filepath.Join(home, ".datarun")
}

func settingsPath() string {
	return filepath.Join(datarunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("DATARUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DATARUN_DATA_DB_PATH"); v != "" {
		cfg.DataDBPath = v
	}
	if v := os.Getenv("DATARUN_ARTIFACTS_DIR"); v != "" {
		cfg.ArtifactsDir = v
	}
	if v := os.Getenv("DATARUN_TEMPLATES_PATH"); v != "" {
		cfg.TemplatesPath = v
	}
	if v := os.Getenv("DATARUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATARUN_CONFIRM_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConfirmTimeoutS = n
		}
	}
	if v := os.Getenv("DATARUN_STEP_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepTimeoutS = n
		}
	}
	if v := os.Getenv("DATARUN_REASONING_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReasoningTimeoutS = n
		}
	}
	if v := os.Getenv("DATARUN_AUTO_APPROVE_RULE"); v != "" {
		cfg.AutoApproveRule = v
	}
	if v := os.Getenv("DATARUN_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("DATARUN_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("DATARUN_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}

	return cfg
}
