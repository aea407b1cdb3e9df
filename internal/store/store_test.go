package store

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), log.New(io.Discard, "", 0), nil)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	st.Save("settings", doc{Name: "squat", Count: 3})

	var loaded doc
	require.True(t, st.Load("settings", &loaded))
	assert.Equal(t, doc{Name: "squat", Count: 3}, loaded)
}

func TestStore_LoadMissingKey(t *testing.T) {
	st := newTestStore(t)

	var v map[string]string
	assert.False(t, st.Load("absent", &v))
	assert.Nil(t, v)
}

func TestStore_LoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	st := New(dir, log.New(io.Discard, "", 0), nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	loaded := map[string]string{"keep": "me"}
	assert.False(t, st.Load("broken", &loaded))
	assert.Equal(t, "me", loaded["keep"])
}

func TestStore_SaveCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")
	st := New(dir, log.New(io.Discard, "", 0), nil)

	st.Save("key", []int{1, 2, 3})

	var loaded []int
	require.True(t, st.Load("key", &loaded))
	assert.Equal(t, []int{1, 2, 3}, loaded)
}

func TestStore_SaveErrorReported(t *testing.T) {
	dir := t.TempDir()
	// A file where the store expects a directory forces the save to fail.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	var reported error
	st := New(blocked, log.New(io.Discard, "", 0), func(err error) { reported = err })
	st.Save("key", "value")

	assert.Error(t, reported)
}

func TestStore_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() {
		New(t.TempDir(), nil, nil)
	})
}
