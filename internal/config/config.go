package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoServers is returned by Validate when the server definition file
// yields an empty list. Nothing useful can run without at least one
// voice server configured.
var ErrNoServers = errors.New("config: no voice servers configured")

type Config struct {
	Env               string
	ListenAddr        string
	DatabaseURL       string
	SyncSharedSecret  string
	ServersFile       string
	SnapshotPath      string
	SyncInterval      time.Duration
	QueryTimeout      time.Duration
	SnapshotFreshness time.Duration
	CaptureRawDumps   bool

	Servers     []ServerDefinition
	Credentials map[string]Credentials
}

// ServerDefinition is the static configuration of one voice server.
// Loaded from the servers file at startup and never mutated afterwards.
type ServerDefinition struct {
	ID              string   `yaml:"id"`
	Title           string   `yaml:"title"`
	QueryHost       string   `yaml:"queryHost"`
	QueryPort       int      `yaml:"queryPort"`
	VoicePort       int      `yaml:"voicePort"`
	VirtualServerID int      `yaml:"virtualServerId"`
	BotNickname     string   `yaml:"botNickname"`
	Groups          GroupIDs `yaml:"groups"`
}

// GroupIDs holds the optional protocol-side server group ids per
// entitlement tier. Zero means the tier is not configured on that server.
type GroupIDs struct {
	Admin             int `yaml:"admin"`
	Moderator         int `yaml:"moderator"`
	Supporter         int `yaml:"supporter"`
	LifetimeSupporter int `yaml:"lifetimeSupporter"`
	Registered        int `yaml:"registered"`
}

// QueryAddr returns the host:port the query session dials.
func (d ServerDefinition) QueryAddr() string {
	return fmt.Sprintf("%s:%d", d.QueryHost, d.QueryPort)
}

// Credentials is a per-server query login pair. Values must never be
// written to logs.
type Credentials struct {
	Username string
	Password string
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.SyncSharedSecret == "" {
		return errors.New("SYNC_SHARED_SECRET is required")
	}
	if c.SnapshotPath == "" {
		return errors.New("SNAPSHOT_PATH is required")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT_SEC must be positive, got %s", c.QueryTimeout)
	}
	if c.SnapshotFreshness <= 0 {
		return fmt.Errorf("SNAPSHOT_FRESHNESS_SEC must be positive, got %s", c.SnapshotFreshness)
	}
	if len(c.Servers) == 0 {
		return ErrNoServers
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for _, def := range c.Servers {
		if def.ID == "" {
			return errors.New("server definition without id")
		}
		if _, dup := seen[def.ID]; dup {
			return fmt.Errorf("duplicate server id %q", def.ID)
		}
		seen[def.ID] = struct{}{}
		if def.QueryHost == "" || def.QueryPort == 0 {
			return fmt.Errorf("server %q: query host and port are required", def.ID)
		}
		creds, ok := c.Credentials[def.ID]
		if !ok || creds.Username == "" || creds.Password == "" {
			return fmt.Errorf("server %q: missing query credentials", def.ID)
		}
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerByID returns the definition for id, or the first configured
// server when id is empty. The second return reports whether a match
// was found.
func (c *Config) ServerByID(id string) (ServerDefinition, bool) {
	if id == "" {
		if len(c.Servers) == 0 {
			return ServerDefinition{}, false
		}
		return c.Servers[0], true
	}
	for _, def := range c.Servers {
		if def.ID == id {
			return def, true
		}
	}
	return ServerDefinition{}, false
}

// ParseCredentialMap parses the legacy flat secret encoding
// "serverId:value,serverId:value" into a per-server lookup map. It is
// kept only as a boundary parser for secret stores that cannot hold
// structured values.
func ParseCredentialMap(raw string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, value, ok := strings.Cut(pair, ":")
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("malformed credential entry %q", pair)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate credential entry for server %q", id)
		}
		out[id] = value
	}
	return out, nil
}

// MergeCredentials zips the username and password maps from the flat
// encoding into Credentials keyed by server id.
func MergeCredentials(usernames, passwords map[string]string) map[string]Credentials {
	out := make(map[string]Credentials, len(usernames))
	for id, user := range usernames {
		out[id] = Credentials{Username: user, Password: passwords[id]}
	}
	return out
}
