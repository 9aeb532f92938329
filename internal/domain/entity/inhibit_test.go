package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  ExpiryPolicy
		wantErr bool
	}{
		{"indefinite", Indefinite(), false},
		{"one minute", For(1), false},
		{"two hours", For(120), false},
		{"zero duration", ExpiryPolicy{Kind: ExpiryDuration, Minutes: 0}, true},
		{"unknown kind", ExpiryPolicy{Kind: 42}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpiryPolicyDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), Indefinite().Duration())
	assert.Equal(t, 45*time.Minute, For(45).Duration())
}

func TestExpiryPolicyString(t *testing.T) {
	assert.Equal(t, "indefinite", Indefinite().String())
	assert.Equal(t, "90m", For(90).String())
}

func TestSnapshotRemaining(t *testing.T) {
	now := time.Now()

	inactive := Snapshot{}
	assert.Equal(t, time.Duration(0), inactive.Remaining(now))

	indefinite := Snapshot{Active: true, Expiry: Indefinite()}
	assert.Equal(t, time.Duration(0), indefinite.Remaining(now))

	timed := Snapshot{Active: true, Expiry: For(10), Deadline: now.Add(10 * time.Minute)}
	assert.Equal(t, 10*time.Minute, timed.Remaining(now))

	overdue := Snapshot{Active: true, Expiry: For(10), Deadline: now.Add(-time.Minute)}
	assert.Equal(t, time.Duration(0), overdue.Remaining(now))
}
