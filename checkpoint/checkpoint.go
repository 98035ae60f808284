// Package checkpoint persists an atomic snapshot of the tracker's
// progress, written via write-temp-then-rename with an fsync so that a
// crash never leaves a torn checkpoint behind.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/dispatchd/internal/awsiface"
)

// State is the persisted checkpoint record: the highest durably-written
// work_id and the input/output byte offsets that correspond to it.
type State struct {
	LastProcessedWorkID int64  `json:"lastProcessedWorkId"`
	InputOffset         uint64 `json:"inputOffset"`
	OutputOffset        uint64 `json:"outputOffset"`
}

// Store is the contract for saving and loading checkpoint state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore implements Store using the local filesystem: write to a
// sibling temp file, fsync, then rename atomically over the checkpoint
// path.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to the given absolute path.
// The parent directory is created if it does not already exist.
func NewFileStore(path string) (*FileStore, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("checkpoint path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{path: clean}, nil
}

// Load returns the checkpoint record if the file exists and parses.
// Absence or a parse failure are both treated as a fresh start.
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{LastProcessedWorkID: -1}, nil
		}
		return State{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{LastProcessedWorkID: -1}, nil
	}
	return state, nil
}

// Save persists state via write-temp-then-rename with an fsync of the temp
// file, so that a crash mid-write can never corrupt the live checkpoint.
func (f *FileStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmpPath := f.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp checkpoint file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to fsync temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// S3Store implements Store using AWS S3, for deployments that want
// checkpoint durability shared across a restart-on-crash supervisor
// rather than a local disk.
type S3Store struct {
	client awsiface.S3Client
	bucket string
	key    string
}

// NewS3Store creates an S3Store from an s3://bucket/key URI.
func NewS3Store(client awsiface.S3Client, uri string) (*S3Store, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return nil, fmt.Errorf("invalid S3 URI scheme: %s", u.Scheme)
	}
	return &S3Store{
		client: client,
		bucket: u.Host,
		key:    strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// Load fetches and decodes the checkpoint object, treating a missing key as
// a fresh start.
func (s *S3Store) Load(ctx context.Context) (State, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return State{LastProcessedWorkID: -1}, nil
		}
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return State{LastProcessedWorkID: -1}, nil
		}
		return State{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var state State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

// Save uploads the checkpoint object. S3 does not offer atomic
// write-temp-then-rename, so a single PutObject is the strongest
// guarantee this backend can make.
func (s *S3Store) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &s.key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
