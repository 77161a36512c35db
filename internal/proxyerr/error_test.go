package proxyerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *Error
		wantMsg string
	}{
		{
			name:    "message only",
			err:     &Error{Message: "no accounts free"},
			wantMsg: "no accounts free",
		},
		{
			name:    "message with wrapped cause",
			err:     &Error{Message: "refresh failed", Err: errors.New("connection refused")},
			wantMsg: "refresh failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestError_ClientResponse_StatusMapping(t *testing.T) {
	tests := []struct {
		kind       Kind
		wantStatus int
	}{
		{QuotaExhausted, 429},
		{NoAccountsAvailable, 429},
		{MaxRetriesExceeded, 429},
		{RateLimited, 429},
		{AuthInvalid, 401},
		{BadRequest, 400},
		{UpstreamServerError, 502},
		{NetworkError, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := New(tt.kind, "boom", nil)
			status, body := e.ClientResponse()
			require.Equal(t, tt.wantStatus, status)
			require.Contains(t, string(body), `"type":"error"`)
			require.Contains(t, string(body), string(tt.kind))
		})
	}
}

func TestError_Retryable(t *testing.T) {
	require.True(t, New(RateLimited, "", nil).Retryable())
	require.True(t, New(EmptyResponse, "", nil).Retryable())
	require.False(t, New(BadRequest, "", nil).Retryable())
	require.False(t, New(NoAccountsAvailable, "", nil).Retryable())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	e := New(NetworkError, "dial failed", cause)
	require.ErrorIs(t, e, cause)
}
