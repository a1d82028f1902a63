// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package connectors

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/rapidaai/peercall/pkg/commons"
)

// SQLConnector hands out a context-bound *gorm.DB.
type SQLConnector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	DB(ctx context.Context) *gorm.DB
	Name() string
}

type sqlConnector struct {
	cfg    *SQLConfig
	logger commons.Logger
	db     *gorm.DB
}

func NewSQLConnector(cfg *SQLConfig, logger commons.Logger) SQLConnector {
	return &sqlConnector{cfg: cfg, logger: logger}
}

// NewSQLConnectorWithDB wraps an already opened handle, mostly for tests.
func NewSQLConnectorWithDB(db *gorm.DB, logger commons.Logger) SQLConnector {
	return &sqlConnector{cfg: &SQLConfig{Driver: db.Dialector.Name()}, logger: logger, db: db}
}

func (c *sqlConnector) Name() string {
	return fmt.Sprintf("%s call log", c.cfg.Driver)
}

func (c *sqlConnector) Connect(ctx context.Context) error {
	var dialector gorm.Dialector
	switch c.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(c.cfg.DSN)
	case "postgres":
		dialector = postgres.Open(c.cfg.DSN)
	default:
		return fmt.Errorf("unsupported sql driver %q", c.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", c.Name(), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql handle for %s: %w", c.Name(), err)
	}
	if c.cfg.MaxOpenConnection > 0 {
		sqlDB.SetMaxOpenConns(c.cfg.MaxOpenConnection)
	}
	if c.cfg.MaxIdealConnection > 0 {
		sqlDB.SetMaxIdleConns(c.cfg.MaxIdealConnection)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", c.Name(), err)
	}

	c.db = db
	c.logger.Debugf("connected to %s", c.Name())
	return nil
}

func (c *sqlConnector) Disconnect(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	c.db = nil
	return sqlDB.Close()
}

// DB is nil until Connect succeeds.
func (c *sqlConnector) DB(ctx context.Context) *gorm.DB {
	if c.db == nil {
		return nil
	}
	return c.db.WithContext(ctx)
}
