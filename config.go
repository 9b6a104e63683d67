package hubs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigData holds the parsed configuration as a nested map.
// Modules read their own section by name, for example "source.db_path".
type ConfigData map[string]any

// envVarPattern matches ${VAR} or ${VAR:-default} patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LoadConfig reads a YAML config file and returns the parsed configuration.
// Environment variables in the format ${VAR} or ${VAR:-default} are expanded.
func LoadConfig(path string) (ConfigData, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration from memory.
func ParseConfig(data []byte) (ConfigData, error) {
	expanded := expandEnvVars(string(data))

	var config ConfigData
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config == nil {
		config = ConfigData{}
	}
	return config, nil
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val, exists := os.LookupEnv(parts[1]); exists {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Get retrieves a value using dot notation (e.g., "moduledata.fetch_timeout").
// Returns nil if the path doesn't exist.
func (cfg ConfigData) Get(path string) any {
	var current any = map[string]any(cfg)
	for _, part := range strings.Split(path, ".") {
		currentMap := toStringMap(current)
		if currentMap == nil {
			return nil
		}
		var ok bool
		if current, ok = currentMap[part]; !ok {
			return nil
		}
	}
	return current
}

func toStringMap(val any) map[string]any {
	switch typed := val.(type) {
	case map[string]any:
		return typed
	case ConfigData:
		return map[string]any(typed)
	default:
		return nil
	}
}

// GetString retrieves a string value, returning empty string if not found.
// Scalars are formatted, so "port: 8080" reads as "8080".
func (cfg ConfigData) GetString(path string) string {
	switch typed := cfg.Get(path).(type) {
	case string:
		return typed
	case int, int64, float64, bool:
		return fmt.Sprint(typed)
	}
	return ""
}

// GetInt retrieves an int value, returning 0 if not found or wrong type.
func (cfg ConfigData) GetInt(path string) int {
	switch typed := cfg.Get(path).(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		if parsed, err := strconv.Atoi(typed); err == nil {
			return parsed
		}
	}
	return 0
}

// GetBool retrieves a bool value, returning false if not found or wrong type.
func (cfg ConfigData) GetBool(path string) bool {
	switch typed := cfg.Get(path).(type) {
	case bool:
		return typed
	case string:
		parsed, _ := strconv.ParseBool(typed)
		return parsed
	}
	return false
}

// GetDuration retrieves a duration such as "15s". Returns fallback when the
// key is missing or malformed.
func (cfg ConfigData) GetDuration(path string, fallback time.Duration) time.Duration {
	raw := cfg.GetString(path)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetStrings retrieves a list of strings.
func (cfg ConfigData) GetStrings(path string) []string {
	list, ok := cfg.Get(path).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// Section returns a subsection of the config as ConfigData.
// Returns nil if the section doesn't exist.
func (cfg ConfigData) Section(name string) ConfigData {
	if asMap := toStringMap(cfg.Get(name)); asMap != nil {
		return ConfigData(asMap)
	}
	return nil
}

// Set stores value at a dot-notation path, creating sections as needed.
// A scalar in the way is replaced by a section.
func (cfg ConfigData) Set(path string, value any) {
	parts := strings.Split(path, ".")
	current := map[string]any(cfg)
	for _, part := range parts[:len(parts)-1] {
		next := toStringMap(current[part])
		if next == nil {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
