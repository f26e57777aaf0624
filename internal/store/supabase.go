package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

const callsFolder = "calls"

// bucket is the subset of Supabase Storage the store needs.
type bucket interface {
	upload(path string, data []byte) error
	download(path string) ([]byte, error)
	list(folder string, limit int) ([]string, error)
}

// Supabase keeps one JSON object per call in a storage bucket, plus any
// uploaded recordings.
type Supabase struct {
	b bucket
}

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("supabase store: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return &Supabase{b: &storageBucket{client: client.Storage, id: cfg.Bucket}}, nil
}

func (s *Supabase) Save(_ context.Context, r Record) error {
	if !validID(r.ID) {
		return ErrInvalidID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.b.upload(recordPath(r.ID), data); err != nil {
		return fmt.Errorf("upload record: %w", err)
	}
	return nil
}

func (s *Supabase) Load(_ context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrInvalidID
	}
	data, err := s.b.download(recordPath(id))
	if err != nil {
		if isNotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("download record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// List loads up to limit records, newest first.
func (s *Supabase) List(ctx context.Context, limit int) ([]Record, error) {
	names, err := s.b.list(callsFolder, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]Record, 0, len(names))
	for _, name := range names {
		id := strings.TrimSuffix(name, ".json")
		r, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidID) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Upload stores an artifact such as a call recording.
func (s *Supabase) Upload(_ context.Context, key, _ string, data []byte) error {
	if err := s.b.upload(key, data); err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}

func recordPath(id string) string { return callsFolder + "/" + id + ".json" }

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}

type storageBucket struct {
	client *storage_go.Client
	id     string
}

func (b *storageBucket) upload(path string, data []byte) error {
	_, err := b.client.UploadFile(b.id, path, bytes.NewReader(data))
	return err
}

func (b *storageBucket) download(path string) ([]byte, error) {
	return b.client.DownloadFile(b.id, path)
}

func (b *storageBucket) list(folder string, limit int) ([]string, error) {
	files, err := b.client.ListFiles(b.id, folder, storage_go.FileSearchOptions{
		Limit:         limit,
		SortByOptions: storage_go.SortBy{Column: "created_at", Order: "desc"},
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if strings.HasSuffix(f.Name, ".json") {
			names = append(names, f.Name)
		}
	}
	return names, nil
}
