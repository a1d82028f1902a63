// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recording

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/utils"
)

const (
	chunkPath    = "/call-recording/{callLogId}/chunk"
	finalizePath = "/call-recording/{callLogId}/finalize"
	chunkField   = "file"
	chunkMime    = "audio/ogg"
)

// Chunk is one uploadable slice of a recording stream.
type Chunk struct {
	RecordingID string
	StreamID    string
	Sequence    int
	Data        []byte
}

// FileName is the multipart file name the backend groups chunks by.
func (c Chunk) FileName() string {
	return c.StreamID + ".ogg"
}

// Uploader delivers chunks and the finalize request to the recording backend.
type Uploader interface {
	UploadChunk(ctx context.Context, chunk Chunk) error
	Finalize(ctx context.Context, recordingID string) error
}

type httpUploader struct {
	logger commons.Logger
	client *resty.Client
	tokens internal_type.TokenSource
}

// NewHTTPUploader posts chunks as multipart/form-data to baseURL. The bearer
// token is resolved on every request.
func NewHTTPUploader(logger commons.Logger, baseURL string, tokens internal_type.TokenSource, timeout time.Duration) Uploader {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader(utils.HEADER_SOURCE_KEY, utils.CALL_AGENT_SOURCE).
		SetRetryCount(0)
	return &httpUploader{logger: logger, client: client, tokens: tokens}
}

func (u *httpUploader) UploadChunk(ctx context.Context, chunk Chunk) error {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("chunk %d not sent: %w", chunk.Sequence, err)
	}

	resp, err := u.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("callLogId", chunk.RecordingID).
		SetMultipartField(chunkField, chunk.FileName(), chunkMime, bytes.NewReader(chunk.Data)).
		SetMultipartFormData(map[string]string{
			"streamId": chunk.StreamID,
			"sequence": strconv.Itoa(chunk.Sequence),
		}).
		Post(chunkPath)
	if err != nil {
		return fmt.Errorf("failed to upload chunk %d: %w", chunk.Sequence, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("chunk %d rejected with status %d", chunk.Sequence, resp.StatusCode())
	}
	u.logger.Debugf("uploaded chunk %d of stream %s (%d bytes)", chunk.Sequence, chunk.StreamID, len(chunk.Data))
	return nil
}

func (u *httpUploader) Finalize(ctx context.Context, recordingID string) error {
	token, err := u.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("finalize not sent: %w", err)
	}

	resp, err := u.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("callLogId", recordingID).
		Post(finalizePath)
	if err != nil {
		return fmt.Errorf("failed to finalize recording %s: %w", recordingID, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("finalize of recording %s rejected with status %d", recordingID, resp.StatusCode())
	}
	return nil
}
