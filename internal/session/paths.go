package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultProfile is the name of the default profile
	DefaultProfile = "default"

	// ProfilesDirName is the directory containing all profiles
	ProfilesDirName = "profiles"

	// LogsDirName holds the conversation journal inside a profile
	LogsDirName = "logs"
)

// Environment variables that relocate bridge state.
const (
	EnvHome    = "BRIDGE_HOME"
	EnvProfile = "BRIDGE_PROFILE"
)

// GetBaseDir returns the bridge's base directory ($BRIDGE_HOME or ~/.claude-telegram-bridge)
func GetBaseDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return filepath.Clean(dir), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".claude-telegram-bridge"), nil
}

// GetProfilesDir returns the path to the profiles directory
func GetProfilesDir() (string, error) {
	dir, err := GetBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ProfilesDirName), nil
}

// GetProfileDir returns the path to a specific profile's directory
func GetProfileDir(profile string) (string, error) {
	if profile == "" {
		profile = DefaultProfile
	}

	// Sanitize profile name (prevent path traversal)
	profile = filepath.Base(profile)
	if profile == "." || profile == ".." || profile == string(filepath.Separator) {
		return "", fmt.Errorf("invalid profile name: %s", profile)
	}

	profilesDir, err := GetProfilesDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(profilesDir, profile), nil
}

// GetLogsDir returns the conversation journal directory for a profile
func GetLogsDir(profile string) (string, error) {
	dir, err := GetProfileDir(profile)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName), nil
}

// ListProfiles returns profile names that hold a state.db or sessions.json
func ListProfiles() ([]string, error) {
	profilesDir, err := GetProfilesDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(profilesDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles directory: %w", err)
	}

	var profiles []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		for _, name := range []string{StateDBFileName, SessionsFileName} {
			if _, err := os.Stat(filepath.Join(profilesDir, entry.Name(), name)); err == nil {
				profiles = append(profiles, entry.Name())
				break
			}
		}
	}

	sort.Strings(profiles)
	return profiles, nil
}

// GetEffectiveProfile returns the profile to use, considering:
// 1. Explicitly provided profile (from -p flag)
// 2. Environment variable BRIDGE_PROFILE
// 3. Fallback to "default"
func GetEffectiveProfile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envProfile := os.Getenv(EnvProfile); envProfile != "" {
		return envProfile
	}
	return DefaultProfile
}

// ExpandPath expands environment variables and a ~ prefix in a path.
func ExpandPath(path string) string {
	// Env vars first so $HOME/x and ~/${VAR} both resolve
	path = os.ExpandEnv(path)

	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
