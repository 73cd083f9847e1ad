// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export uploads finalized session records to cloud storage.
//
// The uploader is an optional session finalizer: when configured, every
// ended session's final record lands in a GCS bucket as one JSON object,
// keyed by session id. Upload failures are the caller's to log; the
// session manager treats them like any other finalizer failure and never
// rolls a session's end back.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

var exportUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "altitude_export_uploads_total",
	Help: "Final record uploads by outcome",
}, []string{"outcome"})

// Config locates the destination bucket.
type Config struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string

	// Prefix is prepended to every object name (e.g., "sessions").
	Prefix string

	// CredentialsFile is the service account key path. Empty uses
	// application default credentials.
	CredentialsFile string
}

// Uploader writes final session records to a GCS bucket.
//
// Thread Safety: Safe for concurrent use.
type Uploader struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewUploader creates a GCS uploader for finalized sessions.
//
// Inputs:
//   - ctx: Context for client construction.
//   - cfg: Bucket location and credentials.
//   - logger: Structured logger; nil uses the default.
//
// Outputs:
//
//	*Uploader - Ready-to-use uploader.
//	error - Non-nil when the bucket is missing or the client cannot be
//	built (e.g., the key file does not exist).
func NewUploader(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("export bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With(slog.String("component", "export")),
	}, nil
}

// Finalize uploads the record as <prefix>/<session_id>.json.
//
// Description:
//
//	The object is written whole and replaced on re-upload, so retrying a
//	failed finalization is idempotent. Implements session.Finalizer.
//
// Thread Safety: Safe for concurrent use.
func (u *Uploader) Finalize(ctx context.Context, rec protocol.FinalRecord) error {
	start := time.Now()

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		exportUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal final record: %w", err)
	}

	object := u.objectName(rec.SessionID)
	writer := u.client.Bucket(u.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(raw); err != nil {
		_ = writer.Close()
		exportUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to write GCS object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		exportUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}

	exportUploadsTotal.WithLabelValues("ok").Inc()
	u.logger.Info("final record exported",
		slog.String("session_id", rec.SessionID),
		slog.String("object", "gs://"+u.bucket+"/"+object),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// Close releases the underlying client.
func (u *Uploader) Close() error {
	return u.client.Close()
}

// objectName builds the bucket-relative object path for a session.
func (u *Uploader) objectName(sessionID string) string {
	return path.Join(u.prefix, sessionID+".json")
}
