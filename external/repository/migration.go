package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE profile_role AS ENUM ('admin', 'moderator', 'user'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS profiles (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username TEXT NOT NULL,
		role profile_role NOT NULL DEFAULT 'user',
		banned BOOLEAN NOT NULL DEFAULT FALSE,
		hide_presence BOOLEAN NOT NULL DEFAULT FALSE,
		supporter BOOLEAN NOT NULL DEFAULT FALSE,
		lifetime_supporter BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS identity_links (
		profile_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		server_id TEXT NOT NULL,
		unique_id TEXT NOT NULL,
		linked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (profile_id, server_id),
		UNIQUE (server_id, unique_id)
	)`,
	`CREATE TABLE IF NOT EXISTS voice_presence (
		profile_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		server_id TEXT NOT NULL,
		channel_id INTEGER NOT NULL,
		channel_name TEXT NOT NULL,
		channel_path TEXT[] NOT NULL,
		status TEXT NOT NULL DEFAULT 'online',
		last_seen_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (profile_id, server_id)
	)`,
	`CREATE TABLE IF NOT EXISTS verification_tokens (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		token_hash TEXT NOT NULL,
		profile_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		server_id TEXT NOT NULL,
		unique_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_tokens_tuple ON verification_tokens (profile_id, server_id, unique_id)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_tokens_expiry ON verification_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS api_sessions (
		token TEXT PRIMARY KEY,
		profile_id UUID NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_sessions_profile ON api_sessions (profile_id)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
