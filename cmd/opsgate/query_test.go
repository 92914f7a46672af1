package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/gateway/httpapi"
)

func TestPostOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req httpapi.OperationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "show disk usage", req.Text)

		_ = json.NewEncoder(w).Encode(httpapi.OperationResponse{
			ID:      "op_1",
			Outcome: domain.OutcomeBlocked,
			Output:  "execute_command: blocked",
		})
	}))
	defer srv.Close()

	resp, raw, err := postOperation(context.Background(), srv.Client(), srv.URL, "secret", "show disk usage")
	require.NoError(t, err)
	assert.Equal(t, "op_1", resp.ID)
	assert.Contains(t, string(raw), `"outcome":"blocked"`)
	assert.Equal(t, ExitBlocked, exitCode(outcomeError(resp.Outcome)))
}

func TestPostOperation_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{http.StatusUnauthorized, ExitFailure},
		{http.StatusTooManyRequests, ExitFailure},
		{http.StatusServiceUnavailable, ExitUnavailable},
		{http.StatusBadRequest, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, _, err := postOperation(context.Background(), srv.Client(), srv.URL, "", "status")
			require.Error(t, err)
			assert.Equal(t, tt.want, exitCode(err))
		})
	}
}

func TestPostOperation_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, _, err := postOperation(context.Background(), http.DefaultClient, url, "", "status")
	require.Error(t, err)
	assert.Equal(t, ExitUnavailable, exitCode(err))
}

func TestOutcomeExitCodes(t *testing.T) {
	assert.NoError(t, outcomeError(domain.OutcomeSuccess))
	assert.Equal(t, ExitBlocked, exitCode(outcomeError(domain.OutcomeBlocked)))
	assert.Equal(t, ExitCancelled, exitCode(outcomeError(domain.OutcomeCancelled)))
	assert.Equal(t, ExitFailure, exitCode(outcomeError(domain.OutcomeFailed)))
	assert.Equal(t, ExitFailure, exitCode(errors.New("plain")))
}
