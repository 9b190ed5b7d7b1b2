// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs implements the backup store on a Google Cloud Storage bucket.
// Each key becomes one object under the configured prefix. Keys are
// path-escaped into a single name segment, so a key can never name an
// object outside the prefix.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	backup "github.com/AleutianAI/cave/services/cave/storage"
)

// Config selects the bucket and credentials.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "cave/backups".
	Prefix string
	// CredentialsFile is a service account key. Empty uses Application
	// Default Credentials.
	CredentialsFile string
}

// Store is a storage.Store backed by a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// Open creates a GCS client for the configured bucket.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	opts := make([]option.ClientOption, 0, 1)
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
	return New(client, cfg), nil
}

// New wraps an existing client. The Store takes ownership and closes it.
func New(client *storage.Client, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *Store) objectName(key string) string {
	name := url.PathEscape(key)
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Store) keyFromObject(name string) (string, error) {
	if s.prefix != "" {
		name = strings.TrimPrefix(name, s.prefix+"/")
	}
	return url.PathUnescape(name)
}

// Put uploads one object per entry.
func (s *Store) Put(ctx context.Context, entries []backup.Entry) error {
	bucket := s.client.Bucket(s.bucket)
	for _, e := range entries {
		w := bucket.Object(s.objectName(e.Key)).NewWriter(ctx)
		w.ContentType = "application/octet-stream"
		w.CacheControl = "no-cache, no-store, must-revalidate"
		// Records are small; send each in one request.
		w.ChunkSize = 0
		if _, err := w.Write(e.Value); err != nil {
			_ = w.Close()
			return fmt.Errorf("write gs://%s/%s: %w", s.bucket, s.objectName(e.Key), err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close gs://%s/%s: %w", s.bucket, s.objectName(e.Key), err)
		}
	}
	return nil
}

// Get downloads the object for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, backup.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, s.objectName(key), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, s.objectName(key), err)
	}
	return data, nil
}

// Keys lists objects under the store prefix joined with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: s.objectName(prefix)}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	keys := make([]string, 0)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s: %w", s.bucket, err)
		}
		key, err := s.keyFromObject(attrs.Name)
		if err != nil {
			return nil, fmt.Errorf("object name %q: %w", attrs.Name, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Delete removes the object for key. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", s.bucket, s.objectName(key), err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ backup.Store = (*Store)(nil)
