package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", errors.New("googleai: 429 Too Many Requests"), true},
		{"resource exhausted", errors.New("rpc error: RESOURCE EXHAUSTED"), true},
		{"service unavailable", errors.New("503 Service Unavailable"), true},
		{"model overloaded", errors.New("the model is overloaded"), true},
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), true},
		{"invalid key", errors.New("400 API key not valid"), false},
		{"bad request", errors.New("invalid argument: empty content"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}
