package turnstate

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
	_ "modernc.org/sqlite"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, clk *testingclock.FakeClock) Store

func memoryFactory(_ *testing.T, clk *testingclock.FakeClock) Store {
	return NewMemoryStore(clk)
}

func sqliteFactory(t *testing.T, clk *testingclock.FakeClock) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "turn.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLiteStore(db, clk)
	require.NoError(t, err)
	return s
}

var factories = map[string]storeFactory{
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
}

func TestStore_SetIfAbsent(t *testing.T) {
	t.Parallel()
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := testingclock.NewFakeClock(epoch)
			s := factory(t, clk)
			ctx := context.Background()

			ok, err := s.SetIfAbsent(ctx, "k", "a", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetIfAbsent(ctx, "k", "b", time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			v, found, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "a", v)

			// Expired entries can be taken over.
			clk.Step(time.Second)
			_, found, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)

			ok, err = s.SetIfAbsent(ctx, "k", "c", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_CompareAndDelete(t *testing.T) {
	t.Parallel()
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := testingclock.NewFakeClock(epoch)
			s := factory(t, clk)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "lock", "token-1", 10*time.Second))

			ok, err := s.CompareAndDelete(ctx, "lock", "token-2")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndDelete(ctx, "lock", "token-1")
			require.NoError(t, err)
			assert.True(t, ok)

			_, found, err := s.Get(ctx, "lock")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Delete(ctx, "missing"))
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStore_CompareAndExpire(t *testing.T) {
	t.Parallel()
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := testingclock.NewFakeClock(epoch)
			s := factory(t, clk)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "lock", "token-1", 10*time.Second))

			ok, err := s.CompareAndExpire(ctx, "lock", "token-2", 10*time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			clk.Step(8 * time.Second)
			ok, err = s.CompareAndExpire(ctx, "lock", "token-1", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			// Past the original expiry, inside the extended one.
			clk.Step(8 * time.Second)
			v, found, err := s.Get(ctx, "lock")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "token-1", v)

			clk.Step(2 * time.Second)
			ok, err = s.CompareAndExpire(ctx, "lock", "token-1", 10*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "an expired entry cannot be revived")
		})
	}
}

func TestStore_SetIfAbsentSingleWinner(t *testing.T) {
	t.Parallel()
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := testingclock.NewFakeClock(epoch)
			s := factory(t, clk)

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.SetIfAbsent(context.Background(), "genlock:s1", "x", time.Minute)
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStore_Sweep(t *testing.T) {
	t.Parallel()
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := testingclock.NewFakeClock(epoch)
			s := factory(t, clk)
			ctx := context.Background()

			require.NoError(t, s.Set(ctx, "short", "1", time.Second))
			require.NoError(t, s.Set(ctx, "long", "1", time.Hour))
			clk.Step(2 * time.Second)

			n, err := s.(Sweeper).Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestSQLiteStore_ClosedDBIsUnavailable(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(epoch)
	dsn := "file:" + filepath.Join(t.TempDir(), "turn.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	s, err := NewSQLiteStore(db, clk)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = s.SetIfAbsent(context.Background(), "k", "v", time.Second)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(s.Ping(context.Background()), ErrUnavailable))
}

func TestStartJanitor(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(epoch)
	s := NewMemoryStore(clk)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	done := StartJanitor(ctx, clk, s, time.Minute, nil)

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Minute)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entries) == 0
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
