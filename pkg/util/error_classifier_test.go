package util

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestClassifyStoreError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      string
		retryable bool
	}{
		{"nil", nil, "", false},
		{"sentinel", fmt.Errorf("list owned: %w", ErrPermissionDenied), KindPermissionDenied, false},
		{"pg privilege", &pgconn.PgError{Code: "42501"}, KindPermissionDenied, false},
		{"pg missing table", fmt.Errorf("query: %w", &pgconn.PgError{Code: "42P01"}), KindIndexMissing, false},
		{"pg statement timeout", &pgconn.PgError{Code: "57014"}, KindTimeout, true},
		{"pg other", &pgconn.PgError{Code: "23505"}, KindQueryFailed, false},
		{"amqp refused", &amqp091.Error{Code: amqp091.AccessRefused}, KindPermissionDenied, false},
		{"no rows", pgx.ErrNoRows, KindNotFound, false},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"canceled", context.Canceled, KindCanceled, false},
		{"unknown", fmt.Errorf("boom"), KindQueryFailed, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, retry := ClassifyStoreError(tc.err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.retryable, retry)
		})
	}
}

func TestIsPermissionDenied(t *testing.T) {
	assert.True(t, IsPermissionDenied(&amqp091.Error{Code: amqp091.AccessRefused}))
	assert.False(t, IsPermissionDenied(context.Canceled))
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("ana@example.com", "admin", "secret", time.Hour)
	assert.NoError(t, err)

	claims, err := ParseJWT(token, "secret")
	assert.NoError(t, err)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)

	_, err = ParseJWT(token, "other")
	assert.Error(t, err)
}
