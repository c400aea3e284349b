package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"boundless-bastion/internal/config"
)

func TestOpen_FailuresReturnNoDB(t *testing.T) {
	tests := []struct {
		name    string
		migrate bool
	}{
		{"migration fails", true},
		{"connect fails", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig().Database
			cfg.DSN = "host=127.0.0.1 port=notaport dbname=bastion"
			cfg.Migrate = tt.migrate

			db, err := Open(context.Background(), cfg)
			assert.Error(t, err)
			assert.Nil(t, db)
		})
	}
}
