package store

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// Both implementations must behave the same, so every test runs on each.
func forEachStore(t *testing.T, f func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		f(t, NewMemory())
	})
	t.Run("bolt", func(t *testing.T) {
		dir, err := ioutil.TempDir("", "relaycustody")
		require.NoError(t, err)
		defer os.RemoveAll(dir)

		s, err := NewBolt(filepath.Join(dir, "relays.db"))
		require.NoError(t, err)
		defer s.Close()
		f(t, s)
	})
}

func TestStore_Properties(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		obj := []byte("obituary")

		_, err := s.Get(obj, "payload")
		require.True(t, xerrors.Is(err, ErrNotFound))
		ok, err := s.Has(obj, "payload")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.Put(obj, "payload", []byte{1, 2, 3}))
		v, err := s.Get(obj, "payload")
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2, 3}, v)
		ok, err = s.Has(obj, "payload")
		require.NoError(t, err)
		require.True(t, ok)

		// Properties are independent of each other.
		_, err = s.Get(obj, "type")
		require.True(t, xerrors.Is(err, ErrNotFound))

		require.NoError(t, s.Delete(obj, "payload"))
		_, err = s.Get(obj, "payload")
		require.True(t, xerrors.Is(err, ErrNotFound))
	})
}

func TestStore_Locations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.SetLocation([]byte("c"), "tasks", 30))
		require.NoError(t, s.SetLocation([]byte("a"), "tasks", 10))
		require.NoError(t, s.SetLocation([]byte("b"), "tasks", 20))
		require.NoError(t, s.SetLocation([]byte("z"), "other", 15))

		var seen []string
		collect := func(object []byte, position uint64) error {
			seen = append(seen, string(object))
			return nil
		}
		require.NoError(t, s.IterateByLocation("tasks", 0, 25, collect))
		require.Equal(t, []string{"a", "b"}, seen)

		// Moving an object replaces its old position.
		require.NoError(t, s.SetLocation([]byte("a"), "tasks", 40))
		pos, ok, err := s.Location([]byte("a"), "tasks")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(40), pos)

		seen = nil
		require.NoError(t, s.IterateByLocation("tasks", 0, 100, collect))
		require.Equal(t, []string{"b", "c", "a"}, seen)

		require.NoError(t, s.RemoveLocation([]byte("b"), "tasks"))
		_, ok, err = s.Location([]byte("b"), "tasks")
		require.NoError(t, err)
		require.False(t, ok)

		seen = nil
		require.NoError(t, s.IterateByLocation("tasks", 0, 100, collect))
		require.Equal(t, []string{"c", "a"}, seen)

		seen = nil
		require.NoError(t, s.IterateByLocation("unknown", 0, 100, collect))
		require.Empty(t, seen)
	})
}

// The callback may modify the store while iterating.
func TestStore_IterateAndRemove(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		for i, obj := range []string{"a", "b", "c"} {
			require.NoError(t, s.SetLocation([]byte(obj), "tasks", uint64(i)))
		}
		err := s.IterateByLocation("tasks", 0, 10, func(object []byte, position uint64) error {
			return s.RemoveLocation(object, "tasks")
		})
		require.NoError(t, err)

		count := 0
		require.NoError(t, s.IterateByLocation("tasks", 0, 10, func([]byte, uint64) error {
			count++
			return nil
		}))
		require.Equal(t, 0, count)

		stop := xerrors.New("stop")
		require.NoError(t, s.SetLocation([]byte("a"), "tasks", 1))
		require.Equal(t, stop, s.IterateByLocation("tasks", 0, 10, func([]byte, uint64) error {
			return stop
		}))
	})
}
