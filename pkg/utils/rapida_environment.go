package utils

import "strings"

type RapidaEnvironment string

const (
	PRODUCTION  RapidaEnvironment = "production"
	DEVELOPMENT RapidaEnvironment = "development"
)

func (e RapidaEnvironment) Get() string {
	return string(e)
}

// FromEnvironmentStr is case-insensitive; unknown values fall back to DEVELOPMENT.
func FromEnvironmentStr(env string) RapidaEnvironment {
	switch strings.ToLower(env) {
	case "production":
		return PRODUCTION
	default:
		return DEVELOPMENT
	}
}
