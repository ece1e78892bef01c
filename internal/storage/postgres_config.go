package storage

import "time"

// PostgresConfig gathers the tunables for the pgx-backed session registry.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	MergedRoot          string

	now func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:        dsn,
		MergedRoot: defaultMergedRoot,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.applyPostgres(&cfg)
	}
	return cfg
}
