// Package config – loader.go reads YAML configuration with environment
// variable expansion backed by .env files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file. .env files
// are loaded first and ${VAR} references expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"remindly.yaml",
		"remindly.yml",
		"configs/config.yaml",
		"configs/remindly.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files without overwriting existing env vars.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and
// $VAR references with their environment values. A ${VAR:?error} whose
// variable is unset fails the load.
func expandEnvVars(input string) (string, error) {
	var missing []string

	result := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, modValue, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			msg := modValue
			if msg == "" {
				msg = "required environment variable not set"
			}
			missing = append(missing, varName+": "+msg)
			return match
		case "-":
			return modValue
		}
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return result, nil
}

// resolveSecrets fills credentials from well-known environment variables
// when the config leaves them empty.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.API.AssistantID == "" {
		cfg.API.AssistantID = os.Getenv("OPENAI_ASSISTANT_ID")
	}
	if cfg.Channels.WhatsApp.Cloud.AccessToken == "" {
		cfg.Channels.WhatsApp.Cloud.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.Gateway.VerifyToken == "" {
		cfg.Gateway.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	}
	if cfg.Gateway.AppSecret == "" {
		cfg.Gateway.AppSecret = os.Getenv("WHATSAPP_APP_SECRET")
	}
	if cfg.Notify.Email.Password == "" {
		cfg.Notify.Email.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.Notify.Call.AuthToken == "" {
		cfg.Notify.Call.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
}

// resolveRelativePaths anchors relative paths at the config file's
// directory so startup works from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	cfg.Scheduler.DatabasePath = resolvePath(cfg.Scheduler.DatabasePath, configDir)
	cfg.Channels.WhatsApp.Direct.DatabasePath = resolvePath(cfg.Channels.WhatsApp.Direct.DatabasePath, configDir)
}

func resolvePath(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is group or world
// readable, since it may carry credentials.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
