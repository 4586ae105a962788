package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-billing/pkg/config"
)

// TestConfigValidation tests configuration validation scenarios
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.DatabaseConfig
		shouldErr bool
	}{
		{
			name: "empty URL should fail",
			cfg: config.DatabaseConfig{
				URL:             "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			shouldErr: true,
		},
		{
			name: "invalid URL should fail",
			cfg: config.DatabaseConfig{
				URL:             "not-a-valid-url",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			_, err := New(ctx, tt.cfg)
			if tt.shouldErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.shouldErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestDBClose tests closing behavior
func TestDBClose(t *testing.T) {
	t.Run("close nil pool", func(t *testing.T) {
		db := &DB{Pool: nil}
		// Should not panic
		db.Close()
	})
}

// TestQuerierImplementations verifies both the pool wrapper and transactions
// can back the ledger store.
func TestQuerierImplementations(t *testing.T) {
	var _ Querier = (*DB)(nil)
	var _ Querier = pgx.Tx(nil)
}

// TestDBMethodsExist verifies core DB methods exist
func TestDBMethodsExist(t *testing.T) {
	var db *DB

	// Compile-time signature verification
	var _ func(context.Context, string, ...any) pgx.Row = db.QueryRow
	var _ func(context.Context, string, ...any) (pgx.Rows, error) = db.Query
	var _ func(context.Context) error = db.Health
	var _ func(context.Context) (pgx.Tx, error) = db.BeginTx
	var _ func(context.Context, func(pgx.Tx) error) error = db.WithTx
	var _ func() = db.Close
}

func TestOpenMySQL(t *testing.T) {
	ctx := context.Background()

	t.Run("missing dsn", func(t *testing.T) {
		_, err := OpenMySQL(ctx, config.MySQLConfig{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMySQLNotConfigured))
	})

	t.Run("malformed dsn", func(t *testing.T) {
		_, err := OpenMySQL(ctx, config.MySQLConfig{DSN: "user:pass@tcp(localhost:3306"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse mysql dsn")
	})
}
