package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConnectionSeeds lists broker connections to register at startup
type ConnectionSeeds struct {
	Connections []ConnectionSeed `yaml:"connections"`
}

// ConnectionSeed represents a single broker connection entry.
// Credentials in this file are plaintext and are encrypted when stored.
type ConnectionSeed struct {
	UserID          uint   `yaml:"user_id"`
	BrokerType      string `yaml:"broker_type"` // flex_report, oauth_rest
	IsActive        bool   `yaml:"is_active" default:"true"`
	AutoSyncEnabled bool   `yaml:"auto_sync_enabled"`
	SyncFrequency   string `yaml:"sync_frequency,omitempty"`
	SyncTime        string `yaml:"sync_time,omitempty"`

	FlexToken   string `yaml:"flex_token,omitempty"`
	FlexQueryID string `yaml:"flex_query_id,omitempty"`

	AccessToken    string `yaml:"access_token,omitempty"`
	RefreshToken   string `yaml:"refresh_token,omitempty"`
	TokenExpiresAt string `yaml:"token_expires_at,omitempty"`
	AccountNumber  string `yaml:"account_number,omitempty"`
}

// LoadConnectionSeeds loads connection seeds from a YAML file.
// A missing file yields an empty list.
func LoadConnectionSeeds(filename string) (*ConnectionSeeds, error) {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &ConnectionSeeds{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connections file: %w", err)
	}

	var seeds ConnectionSeeds
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("failed to parse connections file: %w", err)
	}

	return &seeds, nil
}

// Active returns the seeds that should be registered
func (s *ConnectionSeeds) Active() []ConnectionSeed {
	active := make([]ConnectionSeed, 0, len(s.Connections))
	for _, c := range s.Connections {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active
}

// ForUser returns the seeds registered for a user
func (s *ConnectionSeeds) ForUser(userID uint) []ConnectionSeed {
	var entries []ConnectionSeed
	for _, c := range s.Connections {
		if c.UserID == userID {
			entries = append(entries, c)
		}
	}
	return entries
}
