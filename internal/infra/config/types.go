package config

import "strings"

// Environment identifies the runtime environment where spotpoller operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ProviderType selects the cloud provider client.
type ProviderType string

const (
	// ProviderEC2 talks to AWS EC2.
	ProviderEC2 ProviderType = "ec2"
	// ProviderFake uses the in-memory provider, optionally seeded from a fixture.
	ProviderFake ProviderType = "fake"
)

// StoreType selects the state store backend.
type StoreType string

const (
	// StorePostgres persists tracked requests in PostgreSQL.
	StorePostgres StoreType = "postgres"
	// StoreMemory keeps tracked requests in process memory.
	StoreMemory StoreType = "memory"
)

// EnvPrefix is the prefix for environment overrides, e.g. SPOTPOLLER_DATABASE_DSN.
const EnvPrefix = "SPOTPOLLER"

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
