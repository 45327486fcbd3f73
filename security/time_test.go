package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"expired 10 minutes ago", time.Now().Add(-10 * time.Minute), true},
		{"expires in 10 minutes", time.Now().Add(10 * time.Minute), false},
		{"expired 1 second ago, within grace", time.Now().Add(-1 * time.Second), false},
		{"expired 10 seconds ago, beyond grace", time.Now().Add(-10 * time.Second), true},
		{"zero time never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredWithGrace(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"beyond grace", time.Now().Add(-20 * time.Second), 10 * time.Second, true},
		{"within grace", time.Now().Add(-5 * time.Second), 10 * time.Second, false},
		{"not expired", time.Now().Add(10 * time.Minute), 10 * time.Second, false},
		{"zero grace", time.Now().Add(-1 * time.Second), 0, true},
		{"zero time", time.Time{}, 10 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredWithGrace(tt.expiresAt, tt.grace); got != tt.want {
				t.Errorf("IsExpiredWithGrace() = %v, want %v", got, tt.want)
			}
		})
	}
}
