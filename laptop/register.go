package laptop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TunnelConfig is what the relay returns from POST /tunnel/create.
type TunnelConfig struct {
	TunnelID   string `json:"tunnelId" yaml:"tunnelId"`
	APIKey     string `json:"apiKey" yaml:"apiKey"`
	PublicURL  string `json:"publicUrl" yaml:"publicUrl"`
	WSURL      string `json:"wsUrl" yaml:"wsUrl"`
	IsRestored bool   `json:"isRestored" yaml:"-"`
}

// Profile is the laptop's saved connection state.
type Profile struct {
	RelayURL string       `yaml:"relayUrl"`
	Name     string       `yaml:"name"`
	Target   string       `yaml:"target"`
	Tunnel   TunnelConfig `yaml:"tunnel"`
}

// Register mints a tunnel on the relay, or restores tunnelID when it is set.
func Register(ctx context.Context, relayURL, registrationKey, name, tunnelID string) (*TunnelConfig, error) {
	payload := map[string]string{"name": name}
	if tunnelID != "" {
		payload["tunnel_id"] = tunnelID
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(relayURL, "/") + "/tunnel/create"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", registrationKey)

	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Config TunnelConfig `json:"config"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if parsed.Config.TunnelID == "" || parsed.Config.WSURL == "" {
		return nil, fmt.Errorf("registration response is missing tunnelId or wsUrl")
	}
	return &parsed.Config, nil
}

func LoadProfile(path string) (*Profile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := &Profile{}
	if err := yaml.Unmarshal(content, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

func SaveProfile(path string, p *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	content, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o600)
}

// DefaultProfilePath is $XDG_CONFIG_HOME/laptoprelay/profile.yaml, falling
// back to ~/.config.
func DefaultProfilePath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "laptoprelay", "profile.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "laptoprelay", "profile.yaml"), nil
}
