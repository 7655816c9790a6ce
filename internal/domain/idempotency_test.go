package domain

import "testing"

func TestIdempotencyStatus(t *testing.T) {
	tests := []struct {
		name           string
		status         IdempotencyStatus
		wantValid      bool
		wantReplayable bool
		wantRetryable  bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, wantValid: true},
		{name: "done", status: IdempotencyStatusDone, wantValid: true, wantReplayable: true},
		{name: "failed is retried, not replayed", status: IdempotencyStatusFailed, wantValid: true, wantRetryable: true},
		{name: "invalid", status: IdempotencyStatus("broken")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.wantValid {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.wantValid)
			}
			if got := tc.status.Replayable(); got != tc.wantReplayable {
				t.Fatalf("status %q replayable=%v, want %v", tc.status, got, tc.wantReplayable)
			}
			if got := tc.status.Retryable(); got != tc.wantRetryable {
				t.Fatalf("status %q retryable=%v, want %v", tc.status, got, tc.wantRetryable)
			}
		})
	}
}
