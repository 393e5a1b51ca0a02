package utils

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresPoolConfig_Normalized(t *testing.T) {
	c := PostgresPoolConfig{}.normalized()
	if c.MaxOpenConns != 25 || c.MaxIdleConns != 10 || c.ConnMaxLifetime != 30*time.Minute || c.ConnMaxIdleTime != 5*time.Minute || c.PingTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}

	c = PostgresPoolConfig{MaxOpenConns: 4, PingTimeout: time.Second}.normalized()
	if c.MaxOpenConns != 4 || c.MaxIdleConns != 4 || c.PingTimeout != time.Second {
		t.Fatalf("explicit values not honoured: %+v", c)
	}

	c = PostgresPoolConfig{MaxOpenConns: 6, MaxIdleConns: 20}.normalized()
	if c.MaxIdleConns != 6 {
		t.Fatalf("idle connections must be clamped to the open cap, got %d", c.MaxIdleConns)
	}
}

func TestRetryableTx(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock wrapped", fmt.Errorf("ensure placeholders: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := retryableTx(tc.err); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
