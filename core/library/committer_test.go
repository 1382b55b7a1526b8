package library

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"pmpsync/core/library/librarytest"
	"pmpsync/db/dbtest"
	"pmpsync/model"
	"pmpsync/repository"
	"pmpsync/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyActions 在 fail 非空时让追加失败
type flakyActions struct {
	repository.ActionRepository
	fail error
}

func (r *flakyActions) Append(ctx context.Context, rec *model.ActionRecord) error {
	if r.fail != nil {
		return r.fail
	}
	return r.ActionRepository.Append(ctx, rec)
}

// flakyTracks 在 fail 非空时让索引写入与删除失败
type flakyTracks struct {
	repository.TrackRepository
	fail error
}

func (r *flakyTracks) Upsert(ctx context.Context, rec *model.TrackRecord) error {
	if r.fail != nil {
		return r.fail
	}
	return r.TrackRepository.Upsert(ctx, rec)
}

func (r *flakyTracks) Delete(ctx context.Context, name string) error {
	if r.fail != nil {
		return r.fail
	}
	return r.TrackRepository.Delete(ctx, name)
}

type fixture struct {
	lib     *storage.Library
	index   *Index
	log     *ActionLog
	slot    *LeaseSlot
	c       *Committer
	actions *flakyActions
	tracks  *flakyTracks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	gdb := dbtest.Server(t)

	lib, err := storage.NewLibrary(t.TempDir())
	require.NoError(t, err)
	tracks := &flakyTracks{TrackRepository: repository.NewGormTrackRepository(gdb)}
	index := NewIndex(lib, tracks)
	_, err = index.Rescan(ctx)
	require.NoError(t, err)
	actions := &flakyActions{ActionRepository: repository.NewGormActionRepository(gdb)}
	log, err := NewActionLog(ctx, actions, nil)
	require.NoError(t, err)
	slot := NewLeaseSlot(time.Second, nil)
	return &fixture{
		lib:     lib,
		index:   index,
		log:     log,
		slot:    slot,
		c:       NewCommitter(index, log, slot),
		actions: actions,
		tracks:  tracks,
	}
}

func (f *fixture) upload(t *testing.T, typ model.ActionType, name string, body []byte) (int64, error) {
	t.Helper()
	_, ok := f.slot.TryAcquire(model.Action{Type: typ, Filename: name}, 1)
	require.True(t, ok)
	l, err := f.slot.Start(1, name)
	require.NoError(t, err)
	return f.c.Receive(context.Background(), l, bytes.NewReader(body))
}

func TestReceiveAddCommitsFirstAction(t *testing.T) {
	f := newFixture(t)
	song := librarytest.FLAC("TITLE=Blue", "ARTIST=Someone")

	id, err := f.upload(t, model.ActionAdd, "blue.flac", song)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, int64(0), f.log.Latest())

	rec, ok := f.index.Get("blue.flac")
	require.True(t, ok)
	sum, _, err := Checksum(bytes.NewReader(song))
	require.NoError(t, err)
	assert.Equal(t, sum, rec.Checksum)
	assert.Equal(t, "Blue", meta(rec.Metadata, "TITLE"))

	got, err := f.log.Range(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Someone", meta(got[0].Action.Metadata, "ARTIST"))

	_, held := f.slot.Current()
	assert.False(t, held)
}

func TestReceiveInvalidPayloadLeavesLogUntouched(t *testing.T) {
	f := newFixture(t)

	_, ok := f.slot.TryAcquire(model.Action{Type: model.ActionAdd, Filename: "junk.flac"}, 1)
	require.True(t, ok)
	l, err := f.slot.Start(1, "junk.flac")
	require.NoError(t, err)

	_, err = f.c.Receive(context.Background(), l, bytes.NewReader([]byte("definitely not audio")))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Equal(t, model.NoAction, f.log.Latest())
	assert.False(t, f.index.Has("junk.flac"))

	outcome := <-l.Done()
	assert.ErrorIs(t, outcome.Err, ErrInvalidPayload)
	_, held := f.slot.Current()
	assert.False(t, held)

	files, err := f.lib.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("peer went away") }

func TestReceiveInterruptedTransferReleasesLease(t *testing.T) {
	f := newFixture(t)
	_, ok := f.slot.TryAcquire(model.Action{Type: model.ActionAdd, Filename: "cut.flac"}, 1)
	require.True(t, ok)
	l, err := f.slot.Start(1, "cut.flac")
	require.NoError(t, err)

	_, err = f.c.Receive(context.Background(), l, io.MultiReader(bytes.NewReader([]byte("fLaC")), failingReader{}))
	require.Error(t, err)
	assert.False(t, f.slot.Holds(l))
	assert.Equal(t, model.NoAction, f.log.Latest())
}

func TestReplaceAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.upload(t, model.ActionAdd, "song.flac", librarytest.FLAC("TITLE=v1"))
	require.NoError(t, err)
	id, err := f.upload(t, model.ActionReplace, "song.flac", librarytest.FLAC("TITLE=v2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	rec, _ := f.index.Get("song.flac")
	assert.Equal(t, "v2", meta(rec.Metadata, "TITLE"))

	l, ok := f.slot.TryAcquire(model.Action{Type: model.ActionRemove, Filename: "song.flac"}, 2)
	require.True(t, ok)
	id, err = f.c.Remove(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	assert.False(t, f.index.Has("song.flac"))

	_, err = f.lib.Stat("song.flac")
	assert.ErrorIs(t, err, storage.ErrNotExist)

	l, ok = f.slot.TryAcquire(model.Action{Type: model.ActionRemove, Filename: "song.flac"}, 2)
	require.True(t, ok)
	_, err = f.c.Remove(ctx, l)
	assert.ErrorIs(t, err, ErrInvalidAction)
	assert.Equal(t, int64(2), f.log.Latest())
}

func TestCheck(t *testing.T) {
	f := newFixture(t)
	_, err := f.upload(t, model.ActionAdd, "have.flac", librarytest.FLAC())
	require.NoError(t, err)

	cases := []struct {
		name   string
		action model.Action
		ok     bool
	}{
		{"add new", model.Action{Type: model.ActionAdd, Filename: "new.flac"}, true},
		{"add existing", model.Action{Type: model.ActionAdd, Filename: "have.flac"}, false},
		{"replace existing", model.Action{Type: model.ActionReplace, Filename: "have.flac"}, true},
		{"replace missing", model.Action{Type: model.ActionReplace, Filename: "gone.flac"}, false},
		{"remove missing", model.Action{Type: model.ActionRemove, Filename: "gone.flac"}, false},
		{"metadata change", model.Action{Type: model.ActionChangeMetadata, Filename: "have.flac"}, false},
		{"path escape", model.Action{Type: model.ActionAdd, Filename: "../etc/passwd"}, false},
		{"unknown type", model.Action{Type: "RENAME", Filename: "have.flac"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.c.Check(tc.action)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAction)
			}
		})
	}
}

func meta(md model.Metadata, key string) string {
	v, _ := md.Get(key)
	return v
}

func (f *fixture) remove(t *testing.T, name string) (int64, error) {
	t.Helper()
	l, ok := f.slot.TryAcquire(model.Action{Type: model.ActionRemove, Filename: name}, 1)
	require.True(t, ok)
	return f.c.Remove(context.Background(), l)
}

func (f *fixture) content(t *testing.T, name string) []byte {
	t.Helper()
	r, err := f.lib.Open(name)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

// onlyFiles 断言目录里只剩 names，没有残留的临时或暂存文件
func (f *fixture) onlyFiles(t *testing.T, names ...string) {
	t.Helper()
	entries, err := os.ReadDir(f.lib.Dir())
	require.NoError(t, err)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.ElementsMatch(t, names, got)
}

var errDiskFull = errors.New("disk full")

func TestReceiveAppendFailureLeavesNoFile(t *testing.T) {
	f := newFixture(t)
	f.actions.fail = errDiskFull

	_, err := f.upload(t, model.ActionAdd, "a.flac", librarytest.FLAC("TITLE=A"))
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, model.NoAction, f.log.Latest())
	assert.False(t, f.index.Has("a.flac"))
	f.onlyFiles(t)
	_, held := f.slot.Current()
	assert.False(t, held)

	// 存储恢复后同一个 ADD 仍然有效
	f.actions.fail = nil
	require.NoError(t, f.c.Check(model.Action{Type: model.ActionAdd, Filename: "a.flac"}))
	id, err := f.upload(t, model.ActionAdd, "a.flac", librarytest.FLAC("TITLE=A"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestReceiveIndexFailureLeavesNoFile(t *testing.T) {
	f := newFixture(t)
	f.tracks.fail = errDiskFull

	_, err := f.upload(t, model.ActionAdd, "a.flac", librarytest.FLAC())
	require.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, model.NoAction, f.log.Latest())
	assert.False(t, f.index.Has("a.flac"))
	f.onlyFiles(t)
}

func TestReplaceAppendFailureRestoresOldFile(t *testing.T) {
	f := newFixture(t)
	v1 := librarytest.FLAC("TITLE=v1")
	_, err := f.upload(t, model.ActionAdd, "song.flac", v1)
	require.NoError(t, err)
	before, _ := f.index.Get("song.flac")

	f.actions.fail = errDiskFull
	_, err = f.upload(t, model.ActionReplace, "song.flac", librarytest.FLAC("TITLE=v2"))
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, int64(0), f.log.Latest())
	assert.Equal(t, v1, f.content(t, "song.flac"))
	after, ok := f.index.Get("song.flac")
	require.True(t, ok)
	assert.Equal(t, before.Checksum, after.Checksum)
	assert.Equal(t, "v1", meta(after.Metadata, "TITLE"))
	f.onlyFiles(t, "song.flac")
}

func TestRemoveAppendFailureRestoresFile(t *testing.T) {
	f := newFixture(t)
	song := librarytest.FLAC("TITLE=keep")
	_, err := f.upload(t, model.ActionAdd, "song.flac", song)
	require.NoError(t, err)

	f.actions.fail = errDiskFull
	_, err = f.remove(t, "song.flac")
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, int64(0), f.log.Latest())
	assert.True(t, f.index.Has("song.flac"))
	assert.Equal(t, song, f.content(t, "song.flac"))
	f.onlyFiles(t, "song.flac")

	f.actions.fail = nil
	id, err := f.remove(t, "song.flac")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	f.onlyFiles(t)
}

func TestRemoveIndexFailureRestoresFile(t *testing.T) {
	f := newFixture(t)
	song := librarytest.FLAC()
	_, err := f.upload(t, model.ActionAdd, "song.flac", song)
	require.NoError(t, err)

	f.tracks.fail = errDiskFull
	_, err = f.remove(t, "song.flac")
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, int64(0), f.log.Latest())
	assert.True(t, f.index.Has("song.flac"))
	assert.Equal(t, song, f.content(t, "song.flac"))
	f.onlyFiles(t, "song.flac")
}

func TestProgressReaderStopsAfterTakeover(t *testing.T) {
	held := true
	touches := 0
	p := &progressReader{r: bytes.NewReader([]byte("abcdef")), touch: func() error {
		touches++
		if !held {
			return ErrLeaseLost
		}
		return nil
	}}

	buf := make([]byte, 2)
	_, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, touches)

	held = false
	p.last = time.Time{}
	_, err = io.ReadAll(p)
	assert.ErrorIs(t, err, ErrLeaseLost)
}
