package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/practice-call/internal/conversation"
)

func record(id string, started time.Time) Record {
	return Record{
		ID:         id,
		ScenarioID: "urgent-viewing",
		Transport:  "webrtc",
		StartedAt:  started.UTC(),
		Duration:   90 * time.Second,
		Reason:     "completed",
		Utterances: []conversation.Utterance{
			{Speaker: conversation.SpeakerPersona, Text: "Hi, I saw your listing.", Final: true},
			{Speaker: conversation.SpeakerUser, Text: "Great, when can you come?", Final: true, At: 4 * time.Second},
		},
	}
}

// exercise runs the behaviour every backend shares.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, s.Save(ctx, Record{ID: "../etc"}), ErrInvalidID)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Save(ctx, record(id, base.Add(time.Duration(i)*time.Minute))))
	}
	got, err := s.Load(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, record("b", base.Add(time.Minute)), got)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	two, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "c", two[0].ID)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exercise(t, m)

	require.NoError(t, m.Upload(context.Background(), "recordings/CA1.wav", "audio/wav", []byte("RIFF")))
	b, ok := m.Blob("recordings/CA1.wav")
	assert.True(t, ok)
	assert.Equal(t, []byte("RIFF"), b)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	r := record("x", time.Now())
	require.NoError(t, m.Save(ctx, r))
	r.Utterances[0].Text = "mutated"

	got, err := m.Load(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "Hi, I saw your listing.", got.Utterances[0].Text)
}

func setupRedis(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(client, opts...), mr
}

func TestRedis(t *testing.T) {
	s, _ := setupRedis(t)
	exercise(t, s)
}

func TestRedis_TTLAndPrefix(t *testing.T) {
	s, mr := setupRedis(t, WithTTL(time.Hour), WithPrefix("test"))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, record("ttl", time.Now())))

	assert.True(t, mr.Exists("test:call:ttl"))
	assert.Equal(t, time.Hour, mr.TTL("test:call:ttl"))

	mr.FastForward(2 * time.Hour)
	_, err := s.Load(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	members, err := mr.ZMembers("test:calls")
	if err == nil {
		assert.Empty(t, members, "expired ids are pruned from the index")
	}
}

func TestNewRedisFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisFromURL("redis://" + mr.Addr())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(context.Background(), record("u", time.Now())))

	_, err = NewRedisFromURL("not a url")
	assert.Error(t, err)
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	failAll error
}

func (b *fakeBucket) upload(path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll != nil {
		return b.failAll
	}
	b.objects[path] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBucket) download(path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, errors.New(`{"statusCode":"404","error":"not_found","message":"Object not found"}`)
	}
	return data, nil
}

func (b *fakeBucket) list(folder string, limit int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for k := range b.objects {
		if rest, ok := strings.CutPrefix(k, folder+"/"); ok {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	// Emulate created_at desc: ids in these tests are created in order.
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

func TestSupabase(t *testing.T) {
	b := &fakeBucket{objects: make(map[string][]byte)}
	s := &Supabase{b: b}
	exercise(t, s)

	_, ok := b.objects["calls/a.json"]
	assert.True(t, ok)

	require.NoError(t, s.Upload(context.Background(), "recordings/CA1.mp3", "audio/mpeg", []byte("ID3")))
	assert.Equal(t, []byte("ID3"), b.objects["recordings/CA1.mp3"])
	b.failAll = errors.New("403")
	assert.ErrorContains(t, s.Upload(context.Background(), "x", "audio/mpeg", nil), "403")
}

func TestNewSupabase_RequiresCredentials(t *testing.T) {
	_, err := NewSupabase(SupabaseConfig{Bucket: "calls"})
	assert.Error(t, err)
}
