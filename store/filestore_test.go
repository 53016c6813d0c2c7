package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestReadWriteDelete(t *testing.T) {
	fs := newTestStore(t)

	_, err := fs.Read("sessions/abc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Write("sessions/abc", []byte(`{"id":"abc"}`)))

	data, err := fs.Read("sessions/abc")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, string(data))

	require.NoError(t, fs.Delete("sessions/abc"))
	_, err = fs.Read("sessions/abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	fs := newTestStore(t)
	assert.NoError(t, fs.Delete("locks/never-existed"))
	assert.NoError(t, fs.Delete("locks/never-existed"))
}

func TestCreateExclusive(t *testing.T) {
	fs := newTestStore(t)

	require.NoError(t, fs.CreateExclusive("locks/db", []byte("a")))

	err := fs.CreateExclusive("locks/db", []byte("b"))
	assert.ErrorIs(t, err, ErrKeyExists)

	// The losing write must not have clobbered the winner.
	data, err := fs.Read("locks/db")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

func TestCreateExclusiveConcurrent(t *testing.T) {
	fs := newTestStore(t)

	const n = 50
	var wg sync.WaitGroup
	wins := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := fs.CreateExclusive("locks/contested", []byte(fmt.Sprintf("%d", i)))
			if err == nil {
				wins <- i
			} else if !errors.Is(err, ErrKeyExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one CreateExclusive must succeed")

	data, err := fs.Read("locks/contested")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", winners[0]), string(data))
}

func TestWriteReplacesAtomically(t *testing.T) {
	fs := newTestStore(t)

	require.NoError(t, fs.Write("sessions/s1", []byte("v1")))
	require.NoError(t, fs.Write("sessions/s1", []byte("v2")))

	data, err := fs.Read("sessions/s1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestListByPrefix(t *testing.T) {
	fs := newTestStore(t)

	require.NoError(t, fs.Write("sessions/a", []byte("1")))
	require.NoError(t, fs.Write("sessions/b", []byte("2")))
	require.NoError(t, fs.Write("locks/a", []byte("3")))

	keys, err := fs.List("sessions/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sessions/a", "sessions/b"}, keys)

	keys, err = fs.List("")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	keys, err = fs.List("outbox/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKeysWithAwkwardCharacters(t *testing.T) {
	fs := newTestStore(t)

	// Resource names are caller-chosen; path metacharacters must round-trip
	// without escaping the root.
	key := "locks/repo:..%2f..%2fetc deploy"
	require.NoError(t, fs.Write(key, []byte("x")))

	data, err := fs.Read(key)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	keys, err := fs.List("locks/")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestDotSegmentsCannotEscapeRoot(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "state"))
	require.NoError(t, err)

	// A caller-chosen name full of dot segments must stay a plain record
	// under the root, not a path that climbs out of it.
	key := "locks/../../escaped"
	require.NoError(t, fs.CreateExclusive(key, []byte("x")))

	_, err = os.Stat(filepath.Join(dir, "escaped"))
	assert.True(t, os.IsNotExist(err), "record leaked outside the store root")

	data, err := fs.Read(key)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	keys, err := fs.List("locks/")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	// Nor may dot segments alias a record in a foreign namespace.
	require.NoError(t, fs.Write("sessions/s1", []byte("real")))
	require.NoError(t, fs.Write("locks/../sessions/s1", []byte("fake")))
	data, err = fs.Read("sessions/s1")
	require.NoError(t, err)
	assert.Equal(t, "real", string(data))
}

func TestListKeepsKeysNamedLikeTempFiles(t *testing.T) {
	fs := newTestStore(t)

	// Only CreateTemp's ".tmp<digits>" suffix marks an in-flight write; a
	// resource that merely ends in ".tmp" is a normal record.
	require.NoError(t, fs.Write("locks/build.tmp", []byte("x")))

	keys, err := fs.List("locks/")
	require.NoError(t, err)
	assert.Equal(t, []string{"locks/build.tmp"}, keys)
}
