// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/connectors"
)

// ErrNotFound is returned when no row exists for a session id.
var ErrNotFound = errors.New("call log not found")

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store keeps the local call history. Rows are created when a session starts
// and are only ever moved forward: calling/ringing → connected → completed,
// or straight to missed when the call never connected.
type Store interface {
	// Migrate creates or updates the call_logs table.
	Migrate(ctx context.Context) error

	// Open records a new session.
	Open(ctx context.Context, session internal_type.Session) error

	Get(ctx context.Context, sessionID string) (*CallLog, error)

	// List returns the most recent rows first.
	List(ctx context.Context, limit int) ([]*CallLog, error)

	MarkConnected(ctx context.Context, sessionID string, at time.Time) error
	SetRecordingID(ctx context.Context, sessionID, recordingID string) error

	// Complete closes the row with the end reason. The status becomes
	// completed when the call had connected and missed otherwise.
	Complete(ctx context.Context, sessionID string, reason internal_type.EndReason, at time.Time) error

	// UpdateRecording stores the recording pipeline summary once it has drained.
	UpdateRecording(ctx context.Context, sessionID string, summary internal_type.RecordingSummary) error
}

type sqlStore struct {
	sql    connectors.SQLConnector
	logger commons.Logger
}

// NewStore creates a call log store backed by the given SQL connector.
func NewStore(sql connectors.SQLConnector, logger commons.Logger) Store {
	return &sqlStore{
		sql:    sql,
		logger: logger,
	}
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	if err := s.sql.DB(ctx).AutoMigrate(&CallLog{}); err != nil {
		return fmt.Errorf("failed to migrate call logs: %w", err)
	}
	return nil
}

func (s *sqlStore) Open(ctx context.Context, session internal_type.Session) error {
	row := FromSession(session)
	if err := s.sql.DB(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save call log %s: %w", session.SessionID, err)
	}
	s.logger.Infof("opened call log: session=%s, peer=%d, direction=%s", row.SessionID, row.PeerID, row.Direction)
	return nil
}

func (s *sqlStore) Get(ctx context.Context, sessionID string) (*CallLog, error) {
	var row CallLog
	if err := s.sql.DB(ctx).Where("session_id = ?", sessionID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get call log %s: %w", sessionID, err)
	}
	return &row, nil
}

func (s *sqlStore) List(ctx context.Context, limit int) ([]*CallLog, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var rows []*CallLog
	if err := s.sql.DB(ctx).Order("created_date DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list call logs: %w", err)
	}
	return rows, nil
}

func (s *sqlStore) MarkConnected(ctx context.Context, sessionID string, at time.Time) error {
	return s.update(ctx, sessionID, "mark connected", map[string]interface{}{
		"status":       StatusConnected,
		"connected_at": at,
	})
}

func (s *sqlStore) SetRecordingID(ctx context.Context, sessionID, recordingID string) error {
	return s.update(ctx, sessionID, "set recording id", map[string]interface{}{
		"recording_id": recordingID,
	})
}

func (s *sqlStore) Complete(ctx context.Context, sessionID string, reason internal_type.EndReason, at time.Time) error {
	row, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	status := StatusMissed
	if row.IsConnected() {
		status = StatusCompleted
	}
	return s.update(ctx, sessionID, "complete", map[string]interface{}{
		"status":     status,
		"end_reason": string(reason),
		"ended_at":   at,
	})
}

func (s *sqlStore) UpdateRecording(ctx context.Context, sessionID string, summary internal_type.RecordingSummary) error {
	if !summary.Started {
		return nil
	}
	return s.update(ctx, sessionID, "update recording", map[string]interface{}{
		"recording_id":    summary.RecordingID,
		"stream_id":       summary.StreamID,
		"chunks_uploaded": summary.Uploaded,
		"chunks_dropped":  summary.Dropped,
		"finalized":       summary.Finalized,
	})
}

func (s *sqlStore) update(ctx context.Context, sessionID, action string, fields map[string]interface{}) error {
	fields["updated_date"] = time.Now()
	result := s.sql.DB(ctx).Model(&CallLog{}).
		Where("session_id = ?", sessionID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to %s call log %s: %w", action, sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.logger.Debugf("call log %s: session=%s", action, sessionID)
	return nil
}
