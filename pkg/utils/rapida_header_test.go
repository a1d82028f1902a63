package utils

import "testing"

func TestHeaderConstants(t *testing.T) {
	// Just test that constants are not empty
	if HEADER_AUTH_KEY == "" {
		t.Error("HEADER_AUTH_KEY should not be empty")
	}
	if HEADER_SOURCE_KEY == "" {
		t.Error("HEADER_SOURCE_KEY should not be empty")
	}
	if HEADER_CONNECTION_ID == "" {
		t.Error("HEADER_CONNECTION_ID should not be empty")
	}
	if CALL_AGENT_SOURCE == "" {
		t.Error("CALL_AGENT_SOURCE should not be empty")
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("abc"); got != "Bearer abc" {
		t.Errorf("expected %q, got %q", "Bearer abc", got)
	}
}
