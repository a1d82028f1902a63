// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package connectors

// RedisConfig is the redis section of a service config.
type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SQLConfig selects the call log database. Driver is "sqlite" or "postgres";
// DSN is a file path (or ":memory:") for sqlite and a libpq DSN for postgres.
type SQLConfig struct {
	Driver             string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	DSN                string `mapstructure:"dsn" validate:"required"`
	MaxOpenConnection  int    `mapstructure:"max_open_connection"`
	MaxIdealConnection int    `mapstructure:"max_ideal_connection"`
}
