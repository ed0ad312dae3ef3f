package buffer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/castwatch/testutil"
)

type write struct {
	table       string
	conflictKey string
	rows        []Row
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	fail   map[string]bool
}

func (f *fakeWriter) Write(_ context.Context, table, conflictKey string, rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[table] {
		return errors.New("backend unavailable")
	}
	f.writes = append(f.writes, write{table, conflictKey, append([]Row(nil), rows...)})
	return nil
}

func (f *fakeWriter) setFail(table string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]bool{}
	}
	f.fail[table] = v
}

func (f *fakeWriter) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		n += len(w.rows)
	}
	return n
}

func TestFlush_GroupsByTableAndConflictKey(t *testing.T) {
	w := &fakeWriter{}
	b := New(Options{Writer: w, MaxSize: 100})

	b.Enqueue("spy_messages", Row{"user_name": "a"}, "cast_name,message_time,user_name,msg_type")
	b.Enqueue("spy_viewers", Row{"user_name": "a"}, "cast_name,session_id,user_name")
	b.Enqueue("spy_messages", Row{"user_name": "b"}, "cast_name,message_time,user_name,msg_type")
	b.Enqueue("spy_messages", Row{"user_name": "c"}, "")

	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, w.writes, 3)
	assert.Equal(t, "spy_messages", w.writes[0].table)
	assert.Len(t, w.writes[0].rows, 2)
	assert.Equal(t, "spy_viewers", w.writes[1].table)
	assert.Equal(t, "", w.writes[2].conflictKey)
	assert.Equal(t, 0, b.Len())
}

func TestFlush_FailedGroupIsRequeued(t *testing.T) {
	w := &fakeWriter{}
	w.setFail("spy_viewers", true)
	b := New(Options{Writer: w, MaxSize: 10})

	b.Enqueue("spy_viewers", Row{"user_name": "a"}, "k")
	b.Enqueue("spy_messages", Row{"user_name": "b"}, "")
	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, b.Len(), "only the failed group goes back")
	assert.Equal(t, 1, w.rowCount())

	w.setFail("spy_viewers", false)
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 2, w.rowCount())
}

func TestFlush_CeilingDropsOverflow(t *testing.T) {
	w := &fakeWriter{}
	w.setFail("spy_messages", true)
	b := New(Options{Writer: w, MaxSize: 2})

	for i := 0; i < 6; i++ {
		b.mu.Lock()
		b.items = append(b.items, Item{Table: "spy_messages", Row: Row{"i": i}})
		b.mu.Unlock()
	}
	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 4, b.Len(), "re-enqueue stops at twice MaxSize")

	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 4, b.Len())
}

func TestFlush_SpillsAndReplays(t *testing.T) {
	ctx := context.Background()
	spill, err := OpenSpillStore(ctx, filepath.Join(t.TempDir(), "spill", "rows.db"))
	require.NoError(t, err)

	w := &fakeWriter{}
	w.setFail("spy_messages", true)
	b := New(Options{Writer: w, Spill: spill, MaxSize: 1})
	b.mu.Lock()
	for i := 0; i < 3; i++ {
		b.items = append(b.items, Item{Table: "spy_messages", Row: Row{"message": "m", "tokens": i}, ConflictKey: "k"})
	}
	b.mu.Unlock()

	require.Error(t, b.Flush(ctx))
	assert.Equal(t, 2, b.Len())
	n, err := spill.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w.setFail("spy_messages", false)
	require.NoError(t, b.Flush(ctx))
	n, err = spill.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "spilled rows are replayed after a clean flush")
	assert.Equal(t, 3, w.rowCount())

	require.NoError(t, b.Close(ctx))
}

func TestEnqueue_SizeThresholdWakesLoop(t *testing.T) {
	w := &fakeWriter{}
	b := New(Options{Writer: w, MaxSize: 3, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	for i := 0; i < 3; i++ {
		b.Enqueue("spy_messages", Row{"i": i}, "")
	}
	require.Eventually(t, func() bool { return w.rowCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Close(context.Background()))
}

func TestClose_FinalFlushAndIdempotent(t *testing.T) {
	w := &fakeWriter{}
	b := New(Options{Writer: w, MaxSize: 100, FlushInterval: time.Hour})
	b.Start(context.Background())
	b.Enqueue("cast_screenshots", Row{"cast_name": "x"}, "")

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, 1, w.rowCount())
	require.NoError(t, b.Close(context.Background()))

	b.Enqueue("cast_screenshots", Row{"cast_name": "y"}, "")
	assert.Equal(t, 0, b.Len(), "rows after close are dropped")
	assert.Equal(t, 1, w.rowCount())
}

func TestBuildInsert(t *testing.T) {
	rows := []Row{
		{"cast_name": "alice", "user_name": "bob"},
		{"cast_name": "alice", "user_name": "carol", "level": 3, "metadata": map[string]any{"source": "collector-ws"}},
	}
	cols := columns(rows)
	assert.Equal(t, []string{"cast_name", "level", "metadata", "user_name"}, cols)

	q, args, err := buildInsert("spy_viewers", "cast_name, session_id ,user_name", cols, rows)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "spy_viewers" ("cast_name", "level", "metadata", "user_name") VALUES ($1, DEFAULT, DEFAULT, $2), ($3, $4, $5, $6)`+
			` ON CONFLICT ("cast_name", "session_id", "user_name") DO NOTHING`, q)
	require.Len(t, args, 6)
	assert.Equal(t, `{"source":"collector-ws"}`, args[4])

	q, _, err = buildInsert("dm_send_log", "", []string{"user_name"}, []Row{{"user_name": "x"}})
	require.NoError(t, err)
	assert.NotContains(t, q, "ON CONFLICT")
}

func TestSQLWriter_UpsertIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	cast := "buffer-" + uuid.NewString()[:8]
	b := New(Options{Writer: &SQLWriter{DB: database}, MaxSize: 10})

	row := Row{"account_id": "acct", "cast_name": cast, "session_id": "s1", "user_name": "viewer1"}
	b.Enqueue("spy_viewers", row, "cast_name,session_id,user_name")
	require.NoError(t, b.Flush(ctx))
	b.Enqueue("spy_viewers", row, "cast_name,session_id,user_name")
	require.NoError(t, b.Flush(ctx))

	var n int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM spy_viewers WHERE cast_name=$1`, cast).Scan(&n))
	assert.Equal(t, 1, n)
}
