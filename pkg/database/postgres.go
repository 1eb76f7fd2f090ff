package database

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopraft/modprov/pkg/config"
)

var (
	instance *PostgreSQL
	once     sync.Once
)

// PostgreSQL represents a PostgreSQL database connection
type PostgreSQL struct {
	pool *pgxpool.Pool
}

type PostgreSQLConfig struct {
	User              string
	Password          string
	Host              string
	Port              int
	Database          string
	SSLMode           string
	MaxConnections    int32
	ConnectionTimeout time.Duration
}

// New creates a new PostgreSQL instance
func New(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name is required - must be provided in config or MODPROV_DATABASE_NAME environment variable")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("database user is required")
	}

	// Use pgxpool.ParseConfig to handle special characters in passwords
	poolConfig, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("failed to create connection config: %w", err)
	}

	// Set connection parameters individually to avoid URL parsing issues
	poolConfig.ConnConfig.Host = cfg.Host
	poolConfig.ConnConfig.Port = uint16(cfg.Port)
	poolConfig.ConnConfig.Database = cfg.Database
	poolConfig.ConnConfig.User = cfg.User
	poolConfig.ConnConfig.Password = cfg.Password
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	switch cfg.SSLMode {
	case "disable":
		poolConfig.ConnConfig.TLSConfig = nil
	case "require", "prefer":
		// pgx handles the TLS negotiation automatically for these modes
	default:
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

// FromGlobalConfig creates a PostgreSQL config from the global configuration.
// Keyring credentials take precedence when the node has been initialized.
func FromGlobalConfig(cfg *config.Config) PostgreSQLConfig {
	var databaseName string
	if cfg != nil {
		databaseName = cfg.Get("database.name")
	}
	if prodConfig, err := FromProductionConfig(databaseName); err == nil {
		return prodConfig
	}

	dbName := databaseName
	if dbName == "" {
		dbName = os.Getenv("MODPROV_DATABASE_NAME")
	}

	if dbName == "" {
		// Return error configuration - caller should handle this
		return PostgreSQLConfig{}
	}

	pgCfg := PostgreSQLConfig{
		User:              "modprov",
		Password:          "modprov",
		Host:              "localhost",
		Port:              5432,
		Database:          dbName,
		SSLMode:           "disable",
		MaxConnections:    40,
		ConnectionTimeout: 5 * time.Second,
	}

	if cfg != nil {
		pgCfg.Host = cfg.GetOrDefault("database.host", pgCfg.Host)
		pgCfg.Port = cfg.GetInt("database.port", pgCfg.Port)
		pgCfg.User = cfg.GetOrDefault("database.user", pgCfg.User)
		pgCfg.SSLMode = cfg.GetOrDefault("database.sslmode", pgCfg.SSLMode)
		pgCfg.MaxConnections = int32(cfg.GetInt("database.max_connections", int(pgCfg.MaxConnections)))
		pgCfg.ConnectionTimeout = cfg.GetDuration("database.connection_timeout", pgCfg.ConnectionTimeout)
	}

	return pgCfg
}

// Pool returns the underlying connection pool
func (db *PostgreSQL) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the database connection
func (db *PostgreSQL) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Initialize creates and sets up the database instance
func Initialize(ctx context.Context, cfg PostgreSQLConfig) error {
	var err error
	once.Do(func() {
		instance, err = New(ctx, cfg)
	})
	return err
}

// GetInstance returns the singleton database instance
func GetInstance() *PostgreSQL {
	if instance == nil {
		panic("database not initialized")
	}
	return instance
}
