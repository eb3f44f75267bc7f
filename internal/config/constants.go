package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const ExpirySweepInterval = time.Minute

// Connectivity probe timeout on the player
const ProbeTimeout = 5 * time.Second

// Setup sessions are forgotten this long after reaching a final phase.
const SetupRetention = 10 * time.Minute

// Setup sessions still open this long after they started are abandoned.
const SetupAbandonAfter = time.Hour

// Player renderers
const (
	RendererExec     = "exec"
	RendererHeadless = "headless"
)

// Default per-identity request limit on the authenticated API
const DefaultRateLimitPerMin = 60

// Unauthenticated setup sessions a single address may start per minute
const SetupStartLimitPerMin = 10
