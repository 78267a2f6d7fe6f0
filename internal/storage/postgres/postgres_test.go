package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("creating: %w", &pgconn.PgError{Code: "23505"}), true},
		{"other code", &pgconn.PgError{Code: "23503"}, false},
		{"plain", errors.New("duplicate"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	if c.maxOpen() != 25 || c.maxIdle() != 5 {
		t.Errorf("pool defaults = %d/%d", c.maxOpen(), c.maxIdle())
	}
	c.MaxOpenConns = 3
	if c.maxOpen() != 3 {
		t.Errorf("maxOpen = %d, want 3", c.maxOpen())
	}
}
