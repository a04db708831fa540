package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"

	libLog "github.com/LerianStudio/lib-outbox/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		opts := []dbresolver.OptionFunc{
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		}

		if replicaDB != nil {
			opts = append(opts, dbresolver.WithReplicaDBs(replicaDB))
		}

		connectionDB := dbresolver.New(opts...)
		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// ConnectionConfig describes the primary and the optional read replica.
type ConnectionConfig struct {
	PrimaryDSN string
	// ReplicaDSN routes admin reads away from the primary. Empty uses the primary only.
	ReplicaDSN   string
	MaxOpenConns int
	MaxIdleConns int
}

// Connect opens the pgx pools, wraps them in a resolver and pings the primary.
// The caller owns the returned resolver and must Close it.
func Connect(ctx context.Context, cfg ConnectionConfig, logger libLog.Logger) (dbresolver.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if logger == nil {
		logger = libLog.NewNop()
	}

	if cfg.PrimaryDSN == "" {
		return nil, ErrConnectionRequired
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	primary, err := openPool(cfg.PrimaryDSN, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary database: %s", sanitizeSensitiveError(err))
	}

	var success bool

	defer func() {
		if !success {
			_ = primary.Close()
		}
	}()

	var replica *sql.DB

	if cfg.ReplicaDSN != "" {
		replica, err = openPool(cfg.ReplicaDSN, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to replica database: %s", sanitizeSensitiveError(err))
		}

		defer func() {
			if !success {
				_ = replica.Close()
			}
		}()
	}

	resolver, err := createResolverFn(primary, replica)
	if err != nil {
		return nil, err
	}

	if err := resolver.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	logger.Log(ctx, libLog.LevelInfo, "connected to postgres", libLog.Bool("replica", replica != nil))

	success = true

	return resolver, nil
}

// Primary returns the first primary pool behind a resolver.
func Primary(db dbresolver.DB) (*sql.DB, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	primaryDBs := db.PrimaryDBs()
	if len(primaryDBs) == 0 || primaryDBs[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaryDBs[0], nil
}

func openPool(dsn string, cfg ConnectionConfig) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}
