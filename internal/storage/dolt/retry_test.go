package dolt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "driver bad connection", err: errors.New("driver: bad connection"), expected: true},
		{name: "case insensitive", err: errors.New("Driver: Bad Connection"), expected: true},
		{name: "broken pipe", err: errors.New("write: broken pipe"), expected: true},
		{name: "connection reset", err: errors.New("read: connection reset by peer"), expected: true},
		{name: "server restart", err: errors.New("dial tcp 127.0.0.1:3307: connect: connection refused"), expected: true},
		{name: "read only", err: errors.New("cannot update manifest: database is read only"), expected: true},
		{name: "gone away", err: errors.New("Error 2006: MySQL server has gone away"), expected: true},
		{name: "wrapped", err: fmt.Errorf("query: %w", errors.New("invalid connection")), expected: true},
		{name: "syntax error", err: errors.New("Error 1064: You have an error in your SQL syntax"), expected: false},
		{name: "missing table", err: errors.New("Error 1146: Table 'fuzztriage.foo' doesn't exist"), expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err))
		})
	}
}

func TestIsSerializationError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil error", err: nil, expected: false},
		{name: "deadlock", err: errors.New("Error 1213: Deadlock found when trying to get lock"), expected: true},
		{name: "dolt conflict", err: errors.New("Error 1105: optimistic lock failed on database Root update"), expected: true},
		{name: "serialization", err: errors.New("serialization failure: this transaction conflicts with a committed transaction"), expected: true},
		{name: "nothing to commit", err: errors.New("Error 1105: nothing to commit"), expected: false},
		{name: "no changes", err: errors.New("no changes to commit"), expected: false},
		{name: "constraint", err: errors.New("Error 1452: foreign key constraint fails"), expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isSerializationError(tt.err))
		})
	}
}

func TestWithRetryEmbeddedRunsOnce(t *testing.T) {
	s := &DoltStore{}
	calls := 0
	err := s.withRetry(context.Background(), func() error {
		calls++
		return errors.New("driver: bad connection")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryServerMode(t *testing.T) {
	s := &DoltStore{serverMode: true}

	calls := 0
	err := s.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("invalid connection")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = s.withRetry(context.Background(), func() error {
		calls++
		return errors.New("Error 1064: syntax error")
	})
	assert.ErrorContains(t, err, "1064")
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonorsContext(t *testing.T) {
	s := &DoltStore{serverMode: true}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.withRetry(ctx, func() error { return errors.New("broken pipe") })
	assert.Error(t, err)
	assert.Less(t, time.Since(start), serverRetryMaxElapsed)
}
