package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morezero/chatcore/pkg/store"
)

const repoTestPrefix = "db:repository_test"

func TestMapError(t *testing.T) {
	plain := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, store.ErrDuplicate},
		{"wrapped unique violation", fmt.Errorf("scan: %w", &pgconn.PgError{Code: "23505"}), store.ErrDuplicate},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, store.ErrNotFound},
		{"other pg error", &pgconn.PgError{Code: "42P01"}, nil},
		{"not a pg error", plain, plain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			want := tt.want
			if want == nil {
				want = tt.err
			}
			if got != want {
				t.Errorf("%s - mapError(%v) = %v, want %v", repoTestPrefix, tt.err, got, want)
			}
		})
	}
}

func TestNullID(t *testing.T) {
	if got := nullID(0); got != nil {
		t.Errorf("%s - nullID(0) = %v, want nil", repoTestPrefix, *got)
	}
	if got := nullID(7); got == nil || *got != 7 {
		t.Errorf("%s - nullID(7) = %v, want 7", repoTestPrefix, got)
	}
}
