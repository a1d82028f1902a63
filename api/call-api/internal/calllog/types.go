// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calllog

import (
	"time"

	"gorm.io/gorm"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
)

// Call log status constants.
const (
	StatusCalling   = "calling"   // Outbound: callUser sent, waiting for the callee
	StatusRinging   = "ringing"   // Inbound: incomingCall received, waiting for the user
	StatusConnected = "connected" // Remote audio arrived
	StatusCompleted = "completed" // Ended after being connected
	StatusMissed    = "missed"    // Ended before ever connecting
)

// CallLog is the local history row for one call session. It is written by the
// call state machine and read back by the history endpoint.
type CallLog struct {
	Id             uint64     `json:"id" gorm:"primaryKey;autoIncrement;<-:create"`
	SessionID      string     `json:"sessionId" gorm:"column:session_id;type:varchar(36);not null;uniqueIndex"`
	Status         string     `json:"status" gorm:"column:status;type:varchar(20);not null"`
	Direction      string     `json:"direction" gorm:"column:direction;type:varchar(20);not null;default:''"`
	PeerID         uint64     `json:"peerId" gorm:"column:peer_id;not null"`
	RoomID         string     `json:"roomId,omitempty" gorm:"column:room_id;type:varchar(200);not null;default:''"`
	EndReason      string     `json:"endReason,omitempty" gorm:"column:end_reason;type:varchar(50);not null;default:''"`
	RecordingID    string     `json:"recordingId,omitempty" gorm:"column:recording_id;type:varchar(100);not null;default:''"`
	StreamID       string     `json:"streamId,omitempty" gorm:"column:stream_id;type:varchar(36);not null;default:''"`
	ChunksUploaded int        `json:"chunksUploaded" gorm:"column:chunks_uploaded;not null;default:0"`
	ChunksDropped  int        `json:"chunksDropped" gorm:"column:chunks_dropped;not null;default:0"`
	Finalized      bool       `json:"finalized" gorm:"column:finalized;not null;default:false"`
	ConnectedAt    *time.Time `json:"connectedAt,omitempty" gorm:"column:connected_at"`
	EndedAt        *time.Time `json:"endedAt,omitempty" gorm:"column:ended_at"`
	CreatedDate    time.Time  `json:"createdDate" gorm:"column:created_date;not null;<-:create"`
	UpdatedDate    time.Time  `json:"updatedDate" gorm:"column:updated_date"`
}

func (CallLog) TableName() string {
	return "call_logs"
}

func (cl *CallLog) BeforeCreate(tx *gorm.DB) (err error) {
	if cl.CreatedDate.IsZero() {
		cl.CreatedDate = time.Now()
	}
	if cl.UpdatedDate.IsZero() {
		cl.UpdatedDate = cl.CreatedDate
	}
	return nil
}

// FromSession builds the initial row for a freshly created session.
func FromSession(s internal_type.Session) *CallLog {
	status := StatusCalling
	if s.Direction == internal_type.DirectionInbound {
		status = StatusRinging
	}
	created := s.StartedAt
	return &CallLog{
		SessionID:   s.SessionID,
		Status:      status,
		Direction:   string(s.Direction),
		PeerID:      uint64(s.PeerID),
		RoomID:      s.RoomID,
		RecordingID: s.RecordingID,
		CreatedDate: created,
	}
}

// IsConnected reports whether the call ever reached Connected.
func (cl *CallLog) IsConnected() bool {
	return cl.ConnectedAt != nil
}
