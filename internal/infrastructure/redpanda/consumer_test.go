package redpanda

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{30, 30 * time.Second},
		{61, time.Minute},
		{10000, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryBackoff(tt.attempt, time.Second, time.Minute), "attempt %d", tt.attempt)
	}
}
