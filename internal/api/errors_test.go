package api

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/memeflip/flip-engine/internal/coinflip"
)

func TestClassify_ServerFailures(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
		msg    string
	}{
		{coinflip.ErrPlaceFailed, http.StatusInternalServerError, ReasonPlaceFailed, coinflip.ErrPlaceFailed.Error()},
		{coinflip.ErrRevealFailed, http.StatusInternalServerError, ReasonRevealFailed, coinflip.ErrRevealFailed.Error()},
		{fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused"), http.StatusInternalServerError, ReasonInternal, "internal error"},
	}
	for _, tt := range tests {
		status, body := classify(tt.err)
		if status != tt.status || body.Reason != tt.reason || body.Error != tt.msg {
			t.Errorf("classify(%v) = %d %+v, want %d %s %q", tt.err, status, body, tt.status, tt.reason, tt.msg)
		}
	}
}

func TestClassify_BetInFlight(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	status, body := classify(&coinflip.BetInFlightError{BetID: "b1", ExpiresAt: until})
	if status != http.StatusConflict || body.Reason != ReasonBetInFlight {
		t.Fatalf("unexpected %d %+v", status, body)
	}
	if body.Details["betId"] != "b1" || body.Details["expiresAt"] != "2026-03-01T12:05:00Z" {
		t.Errorf("unexpected details %v", body.Details)
	}

	// Detected only by the store: no bet to name.
	_, body = classify(&coinflip.BetInFlightError{})
	if body.Details != nil {
		t.Errorf("expected no details, got %v", body.Details)
	}
}
