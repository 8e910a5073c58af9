package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	internalconfig "github.com/emberhollow/voicesync/internal/config"
)

type envConfig struct {
	Env                  string `env:"ENV" envDefault:"production"`
	ListenAddr           string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL          string `env:"DATABASE_URL,required"`
	SyncSharedSecret     string `env:"SYNC_SHARED_SECRET,required"`
	ServersFile          string `env:"SERVERS_FILE" envDefault:"servers.yaml"`
	SnapshotPath         string `env:"SNAPSHOT_PATH" envDefault:"data/snapshot.json"`
	SyncIntervalSec      int    `env:"SYNC_INTERVAL_SEC" envDefault:"300"`
	QueryTimeoutSec      int    `env:"QUERY_TIMEOUT_SEC" envDefault:"10"`
	SnapshotFreshnessSec int    `env:"SNAPSHOT_FRESHNESS_SEC" envDefault:"60"`
	CaptureRawDumps      bool   `env:"CAPTURE_RAW_DUMPS" envDefault:"false"`
	QueryUsernames       string `env:"QUERY_USERNAMES,required"`
	QueryPasswords       string `env:"QUERY_PASSWORDS,required"`
}

type serversFile struct {
	Servers []internalconfig.ServerDefinition `yaml:"servers"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	servers, err := loadServersFile(raw.ServersFile)
	if err != nil {
		return nil, err
	}

	usernames, err := internalconfig.ParseCredentialMap(raw.QueryUsernames)
	if err != nil {
		return nil, fmt.Errorf("QUERY_USERNAMES is malformed: %w", err)
	}
	passwords, err := internalconfig.ParseCredentialMap(raw.QueryPasswords)
	if err != nil {
		return nil, fmt.Errorf("QUERY_PASSWORDS is malformed: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:               raw.Env,
		ListenAddr:        raw.ListenAddr,
		DatabaseURL:       raw.DatabaseURL,
		SyncSharedSecret:  raw.SyncSharedSecret,
		ServersFile:       raw.ServersFile,
		SnapshotPath:      raw.SnapshotPath,
		SyncInterval:      time.Duration(raw.SyncIntervalSec) * time.Second,
		QueryTimeout:      time.Duration(raw.QueryTimeoutSec) * time.Second,
		SnapshotFreshness: time.Duration(raw.SnapshotFreshnessSec) * time.Second,
		CaptureRawDumps:   raw.CaptureRawDumps,
		Servers:           servers,
		Credentials:       internalconfig.MergeCredentials(usernames, passwords),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadServersFile(path string) ([]internalconfig.ServerDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}
	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("servers file is malformed: %w", err)
	}
	return f.Servers, nil
}
