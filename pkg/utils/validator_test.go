package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"empty", "", true},
		{"spaces", "   ", true},
		{"newline from redis value", "\t\n", true},
		{"session token", "eyJhbGciOiJIUzI1NiJ9.e30.sig", false},
		{"padded token", " tok ", false},
		{"capture path", "/var/lib/peercall/mic.ogg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsEmpty(tt.input))
		})
	}
}
