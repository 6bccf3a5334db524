package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base, max := 5*time.Second, 60*time.Second
	tests := []struct {
		k    int
		want time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, BackoffDelay(tt.k, base, max), "k=%d", tt.k)
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())
	require.Equal(t, 3, b.Failures())

	b.Reset()
	require.Zero(t, b.Failures())
	require.Equal(t, time.Second, b.Next())
}
