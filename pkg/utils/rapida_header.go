package utils

// Header keys shared by every outbound request of the call agent.
const (
	HEADER_AUTH_KEY      = "Authorization"
	HEADER_SOURCE_KEY    = "x-client-source"
	HEADER_CONNECTION_ID = "x-connection-id"
)

// CALL_AGENT_SOURCE identifies this client in HEADER_SOURCE_KEY.
const CALL_AGENT_SOURCE = "call-agent"

// BEARER_PREFIX is prepended to access tokens in HEADER_AUTH_KEY.
const BEARER_PREFIX = "Bearer "

// BearerToken formats a token for the Authorization header.
func BearerToken(token string) string {
	return BEARER_PREFIX + token
}
