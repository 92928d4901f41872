package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody/store"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

func TestScheduler_RunDue(t *testing.T) {
	s := New(store.NewMemory())
	var ran []string
	s.Register("a", func(payload []byte) error {
		ran = append(ran, "a"+string(payload))
		return nil
	})
	start := time.Unix(1000, 0)
	require.NoError(t, s.Schedule("a", []byte("2"), start.Add(2*time.Second)))
	require.NoError(t, s.Schedule("a", []byte("1"), start.Add(time.Second)))
	require.NoError(t, s.Schedule("a", []byte("3"), start.Add(3*time.Second)))
	require.Equal(t, 3, s.Pending())

	require.NoError(t, s.RunDue(start))
	require.Empty(t, ran)
	require.NoError(t, s.RunDue(start.Add(2*time.Second)))
	require.Equal(t, []string{"a1", "a2"}, ran)
	require.Equal(t, 1, s.Pending())

	require.NoError(t, s.RunDue(start.Add(2*time.Second)))
	require.Len(t, ran, 2)
	require.NoError(t, s.RunDue(start.Add(time.Hour)))
	require.Equal(t, []string{"a1", "a2", "a3"}, ran)
	require.Equal(t, 0, s.Pending())
}

func TestScheduler_LastWriteWins(t *testing.T) {
	s := New(store.NewMemory())
	count := 0
	s.Register("a", func([]byte) error {
		count++
		return nil
	})
	start := time.Unix(1000, 0)
	require.NoError(t, s.Schedule("a", []byte("x"), start.Add(time.Second)))
	require.NoError(t, s.Schedule("a", []byte("x"), start.Add(time.Minute)))
	require.NoError(t, s.Schedule("b", []byte("x"), start.Add(time.Minute)))
	require.Equal(t, 2, s.Pending())
	at, ok := s.Scheduled("a", []byte("x"))
	require.True(t, ok)
	require.True(t, at.Equal(start.Add(time.Minute)))

	s.Register("b", func([]byte) error { return nil })
	require.NoError(t, s.RunDue(start.Add(time.Second)))
	require.Equal(t, 0, count)
	require.NoError(t, s.RunDue(start.Add(time.Minute)))
	require.Equal(t, 1, count)
	_, ok = s.Scheduled("a", []byte("x"))
	require.False(t, ok)
}

func TestScheduler_Errors(t *testing.T) {
	s := New(store.NewMemory())
	s.Register("fail", func(payload []byte) error {
		return xerrors.New("failed " + string(payload))
	})
	now := time.Unix(1000, 0)
	require.NoError(t, s.Schedule("fail", []byte("1"), now))
	require.NoError(t, s.Schedule("fail", []byte("2"), now))
	require.NoError(t, s.Schedule("unknown", nil, now))

	err := s.RunDue(now)
	require.Error(t, err)
	var merr *multierror.Error
	require.True(t, xerrors.As(err, &merr))
	require.Len(t, merr.Errors, 3)
	require.Equal(t, 0, s.Pending())
}

func TestScheduler_Reschedule(t *testing.T) {
	s := New(store.NewMemory())
	now := time.Unix(1000, 0)
	runs := 0
	s.Register("again", func(payload []byte) error {
		runs++
		if runs < 3 {
			return s.Schedule("again", payload, now.Add(time.Duration(runs)*time.Second))
		}
		return nil
	})
	require.NoError(t, s.Schedule("again", nil, now))
	require.NoError(t, s.RunDue(now))
	require.Equal(t, 1, runs)
	require.Equal(t, 1, s.Pending())
	require.NoError(t, s.RunDue(now.Add(time.Hour)))
	require.NoError(t, s.RunDue(now.Add(time.Hour)))
	require.Equal(t, 3, runs)
	require.Equal(t, 0, s.Pending())
}

func TestScheduler_Persistent(t *testing.T) {
	db := store.NewMemory()
	now := time.Unix(1000, 0)
	require.NoError(t, New(db).Schedule("a", []byte("x"), now))

	s := New(db)
	got := make(chan []byte, 1)
	s.Register("a", func(payload []byte) error {
		got <- payload
		return nil
	})
	require.NoError(t, s.RunDue(now))
	require.Equal(t, []byte("x"), <-got)
}

func TestScheduler_Start(t *testing.T) {
	s := New(store.NewMemory())
	s.PollInterval = 10 * time.Millisecond
	ran := make(chan bool, 1)
	s.Register("a", func([]byte) error {
		ran <- true
		return nil
	})
	require.NoError(t, s.Schedule("a", nil, time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	done := s.Start(ctx)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		require.Fail(t, "task didn't run")
	}
	cancel()
	<-done
}
