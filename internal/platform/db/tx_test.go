package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestContention(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("post: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"unique", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pgErr, ok := Contention(tc.err)
			require.Equal(t, tc.want, ok)
			if tc.want {
				require.NotNil(t, pgErr)
			}
		})
	}
}

func TestWithTxRequiresPool(t *testing.T) {
	err := WithTxOptions(context.Background(), nil, ReadTx, func(pgx.Tx) error { return nil })
	require.Error(t, err)
	require.Equal(t, pgx.ReadOnly, ReadTx.AccessMode)
	require.Equal(t, pgx.RepeatableRead, PostingTx.IsoLevel)
}
