package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Counters map[string]int `persistence:"counters" json:"counters"`
	Note     string         `persistence:"note" json:"note"`
	Ignored  string         `json:"ignored"`
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "bot", "orders")

	in := map[string]float64{"yes": 4.5, "no": 2}
	require.NoError(t, store.Save(in))

	var out map[string]float64
	require.NoError(t, store.Load(&out))
	assert.Equal(t, in, out)
}

func TestStore_LoadMissingReturnsErrNotExists(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())
	store := svc.NewStore("state", "bot", "nothing")

	var out map[string]int
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)
}

func TestStore_EmptyFileReturnsErrNotExists(t *testing.T) {
	dir := t.TempDir()
	svc := NewJSONFileService(dir)
	store := svc.NewStore("state", "bot", "empty")

	require.NoError(t, store.Save(map[string]int{}))
	path := filepath.Join(dir, "state_bot_empty.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var out map[string]int
	assert.ErrorIs(t, store.Load(&out), ErrNotExists)
}

func TestStore_KeySanitized(t *testing.T) {
	dir := t.TempDir()
	svc := NewJSONFileService(dir)
	store := svc.NewStore("state", "bot/../../etc", "x")

	require.NoError(t, store.Save("v"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
}

func TestSaveLoadFields(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())

	in := snapshot{
		Counters: map[string]int{"ticks": 7},
		Note:     "hello",
		Ignored:  "not persisted",
	}
	require.NoError(t, SaveFields(&in, "bot", svc))

	var out snapshot
	require.NoError(t, LoadFields(&out, "bot", svc))
	assert.Equal(t, in.Counters, out.Counters)
	assert.Equal(t, "hello", out.Note)
	assert.Empty(t, out.Ignored)
}

func TestLoadFields_MissingKeepsCurrentValue(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())

	out := snapshot{Note: "default"}
	require.NoError(t, LoadFields(&out, "bot", svc))
	assert.Equal(t, "default", out.Note)
}

func TestHistoryStore(t *testing.T) {
	h, err := OpenHistory(t.TempDir())
	require.NoError(t, err)
	defer h.Close()

	type rec struct {
		ID   string `json:"id"`
		Size int    `json:"size"`
	}

	require.NoError(t, h.Append("a", rec{ID: "a", Size: 1}))
	require.NoError(t, h.Append("b", rec{ID: "b", Size: 2}))

	var got rec
	require.NoError(t, h.Get("b", &got))
	assert.Equal(t, 2, got.Size)

	assert.True(t, h.Has("a"))
	assert.False(t, h.Has("zzz"))
	assert.ErrorIs(t, h.Get("zzz", &got), ErrNotExists)

	recent, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// Newest first.
	assert.Contains(t, string(recent[0]), `"b"`)
}
