package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials are the Dhan API credentials managed at runtime through the
// settings endpoint.
type Credentials struct {
	ClientID    string `json:"client_id"`
	AccessToken string `json:"access_token"`
}

// Configured reports whether both fields are set.
func (c Credentials) Configured() bool {
	return c.ClientID != "" && c.AccessToken != ""
}

// LoadCredentials reads broker credentials from path. A missing file is not
// an error: the dashboard starts unconfigured and the operator fills in
// credentials through /api/settings.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, nil
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// SaveCredentials writes broker credentials to path, creating the parent
// directory if needed. The file is written 0600 since it holds a live token.
func SaveCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
