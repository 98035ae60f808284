package checkpoint

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3Client is a minimal in-memory stand-in for awsiface.S3Client,
// backed by a single bucket/key map.
type fakeS3Client struct {
	objects map[string][]byte
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*params.Bucket+"/"+*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Bucket+"/"+*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := State{LastProcessedWorkID: 41, InputOffset: 1024, OutputOffset: 512}

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded != state {
		t.Errorf("state mismatch: got %+v, want %+v", loaded, state)
	}
}

func TestMemoryStore_FreshState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load fresh state: %v", err)
	}
	if state.LastProcessedWorkID != -1 {
		t.Errorf("expected fresh LastProcessedWorkID -1, got %d", state.LastProcessedWorkID)
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "checkpoint.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	ctx := context.Background()
	state := State{LastProcessedWorkID: 7, InputOffset: 256, OutputOffset: 128}

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded != state {
		t.Errorf("state mismatch: got %+v, want %+v", loaded, state)
	}

	// Temp file must not linger after a successful rename.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp checkpoint file to be gone, stat err: %v", err)
	}
}

func TestFileStore_NonExistent(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nonexistent.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	ctx := context.Background()
	state, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load non-existent state: %v", err)
	}
	if state.LastProcessedWorkID != -1 {
		t.Errorf("expected fresh state for non-existent file, got: %+v", state)
	}
}

func TestFileStore_RelativePathRejected(t *testing.T) {
	if _, err := NewFileStore("relative/checkpoint.json"); err == nil {
		t.Error("expected error for relative checkpoint path")
	}
}

func TestFileStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	nestedDir := filepath.Join(tmpDir, "nested", "dir")
	path := filepath.Join(nestedDir, "checkpoint.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	if _, err := os.Stat(nestedDir); os.IsNotExist(err) {
		t.Error("expected nested directory to be created")
	}

	ctx := context.Background()
	if err := store.Save(ctx, State{LastProcessedWorkID: 0}); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
}

func TestFileStore_OverwritesPreviousCheckpoint(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "checkpoint.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	ctx := context.Background()
	if err := store.Save(ctx, State{LastProcessedWorkID: 1, InputOffset: 10, OutputOffset: 5}); err != nil {
		t.Fatalf("failed to save first checkpoint: %v", err)
	}
	if err := store.Save(ctx, State{LastProcessedWorkID: 2, InputOffset: 20, OutputOffset: 10}); err != nil {
		t.Fatalf("failed to save second checkpoint: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.LastProcessedWorkID != 2 {
		t.Errorf("expected overwritten LastProcessedWorkID 2, got %d", loaded.LastProcessedWorkID)
	}
}

func TestS3Store_NewValidURI(t *testing.T) {
	store, err := NewS3Store(nil, "s3://my-bucket/path/to/checkpoint.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}
	if store.bucket != "my-bucket" {
		t.Errorf("bucket mismatch: got %s, want my-bucket", store.bucket)
	}
	if store.key != "path/to/checkpoint.json" {
		t.Errorf("key mismatch: got %s, want path/to/checkpoint.json", store.key)
	}
}

func TestS3Store_InvalidURI(t *testing.T) {
	testCases := []string{
		"http://bucket/key",
		"https://bucket/key",
		"file:///path/to/file",
		"bucket/key",
	}

	for _, uri := range testCases {
		t.Run(uri, func(t *testing.T) {
			if _, err := NewS3Store(nil, uri); err == nil {
				t.Errorf("expected error for invalid S3 URI: %s", uri)
			}
		})
	}
}

func TestS3Store_SaveLoad(t *testing.T) {
	client := newFakeS3Client()
	store, err := NewS3Store(client, "s3://my-bucket/path/to/checkpoint.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}

	ctx := context.Background()
	state := State{LastProcessedWorkID: 12, InputOffset: 512, OutputOffset: 256}

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded != state {
		t.Errorf("state mismatch: got %+v, want %+v", loaded, state)
	}
}

func TestS3Store_FreshStateWhenMissing(t *testing.T) {
	client := newFakeS3Client()
	store, err := NewS3Store(client, "s3://my-bucket/missing.json")
	if err != nil {
		t.Fatalf("failed to create S3 store: %v", err)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load missing state: %v", err)
	}
	if state.LastProcessedWorkID != -1 {
		t.Errorf("expected fresh LastProcessedWorkID -1, got %d", state.LastProcessedWorkID)
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, State{LastProcessedWorkID: 1}); err != nil {
		t.Fatalf("failed to save first state: %v", err)
	}
	if err := store.Save(ctx, State{LastProcessedWorkID: 2}); err != nil {
		t.Fatalf("failed to save second state: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if loaded.LastProcessedWorkID != 2 {
		t.Errorf("expected LastProcessedWorkID 2, got %d", loaded.LastProcessedWorkID)
	}
}
