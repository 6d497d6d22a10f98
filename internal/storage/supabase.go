package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
)

// SupabaseObjectStore keeps generated media in a Supabase Storage bucket
type SupabaseObjectStore struct {
	client *storage_go.Client
	bucket string
}

// NewSupabaseObjectStore connects to the storage API of the project at
// projectURL using a service key
func NewSupabaseObjectStore(projectURL, serviceKey, bucket string) (*SupabaseObjectStore, error) {
	if projectURL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	endpoint := strings.TrimRight(projectURL, "/") + "/storage/v1"
	return &SupabaseObjectStore{
		client: storage_go.NewClient(endpoint, serviceKey, nil),
		bucket: bucket,
	}, nil
}

// Put uploads data under key. Keys are never reused, so upsert stays off.
func (s *SupabaseObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	upsert := false
	opts := storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}
	if _, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return key, nil
}

// Get downloads the object stored under key
func (s *SupabaseObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}
