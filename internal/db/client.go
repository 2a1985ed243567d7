// Package db opens the relational database that backs the checkpoint log.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Jmi2020/KITT-sub000/internal/circuitbreaker"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"` // overrides the host fields when set
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// Client owns the connection pool and its circuit breaker.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	driver string
}

func (c *Config) withDefaults() {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
}

func (c *Config) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverSQLite {
		return c.Database
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// NewClient opens and pings the database.
func NewClient(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	config.withDefaults()
	if config.Driver != DriverPostgres && config.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	rawDB, err := sqlx.Open(config.Driver, config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Driver == DriverSQLite {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under the append transaction
		rawDB.SetMaxOpenConns(1)
	} else {
		rawDB.SetMaxOpenConns(config.MaxConnections)
		rawDB.SetMaxIdleConns(config.IdleConnections)
		rawDB.SetConnMaxLifetime(config.MaxLifetime)
	}

	wrapped := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapped.PingContext(pingCtx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
	)
	return &Client{db: wrapped, logger: logger, driver: config.Driver}, nil
}

// Wrap builds a Client over an existing handle (tests, embedded use).
func Wrap(db *sqlx.DB, logger *zap.Logger) *Client {
	return &Client{db: circuitbreaker.NewDatabaseWrapper(db, logger), logger: logger, driver: db.DriverName()}
}

// DB returns the breaker-guarded handle.
func (c *Client) DB() *circuitbreaker.DatabaseWrapper { return c.db }

// Driver returns the driver name.
func (c *Client) Driver() string { return c.driver }

// Close closes the pool.
func (c *Client) Close() error {
	c.logger.Info("Closing database client")
	return c.db.Close()
}
