package chunkstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testutil "github.com/bitrise-io/go-chunkupload/internal/testing"
	"github.com/bitrise-io/go-chunkupload/server/reassembly"
	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingAssembler struct {
	inner *reassembly.Reassembler
	calls atomic.Int32
}

func (a *countingAssembler) Assemble(transferID string, total int, outputName string) (transfer.Artifact, error) {
	a.calls.Add(1)
	return a.inner.Assemble(transferID, total, outputName)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, config Config) (*Store, *countingAssembler, string) {
	root := t.TempDir()
	logger := log.NewLogger()
	assembler := &countingAssembler{inner: reassembly.New(root, "http://files.test/", logger)}
	return New(root, assembler, logger, config), assembler, root
}

func splitPayload(payload []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for len(payload) > 0 {
		n := chunkSize
		if n > len(payload) {
			n = len(payload)
		}
		chunks = append(chunks, payload[:n])
		payload = payload[n:]
	}
	return chunks
}

func TestReceive_CompletesOnLastChunk(t *testing.T) {
	store, assembler, root := newTestStore(t, Config{})
	payload := []byte("0123456789abcdefghij")
	chunks := splitPayload(payload, 8)
	require.Len(t, chunks, 3)

	for i := 0; i < 2; i++ {
		res, err := store.Receive("abc", i, 3, "image/png", bytes.NewReader(chunks[i]))
		require.NoError(t, err)
		assert.False(t, res.Completed)
		assert.Equal(t, i, res.ReceivedIndex)
	}

	res, err := store.Receive("abc", 2, 3, "image/png", bytes.NewReader(chunks[2]))
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.False(t, res.Replayed)
	assert.Equal(t, "abc.png", res.Artifact.Name)
	assert.Equal(t, "http://files.test/abc.png", res.Artifact.URL)
	assert.Equal(t, int32(1), assembler.calls.Load())

	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "abc.png")).Content(payload).Check())
	require.NoError(t, testutil.NewFileChecker(reassembly.ChunkDir(root, "abc")).NotExists().Check())

	resp := res.Response()
	assert.True(t, resp.Completed)
	assert.Equal(t, res.Artifact.URL, resp.URL)
	require.NotNil(t, resp.FinishedAt)
}

func TestReceive_OutOfOrderAndDuplicates(t *testing.T) {
	store, assembler, root := newTestStore(t, Config{OutputExtension: ".mp4"})
	chunks := [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")}

	for _, i := range []int{2, 0, 2, 0} {
		res, err := store.Receive("vid", i, 3, "", bytes.NewReader(chunks[i]))
		require.NoError(t, err)
		assert.False(t, res.Completed)
	}

	status, err := store.Status("vid")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, status.Received)
	assert.Equal(t, []int{1}, status.Missing)
	assert.False(t, status.Completed)

	res, err := store.Receive("vid", 1, 3, "", bytes.NewReader(chunks[1]))
	require.NoError(t, err)
	require.True(t, res.Completed)
	assert.Equal(t, int32(1), assembler.calls.Load())

	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "vid.mp4")).Content([]byte("aabbcc")).Check())
}

func TestReceive_DuplicateKeepsLatestPayload(t *testing.T) {
	store, _, root := newTestStore(t, Config{OutputExtension: ".bin"})

	_, err := store.Receive("dup", 0, 2, "", strings.NewReader("old"))
	require.NoError(t, err)
	_, err = store.Receive("dup", 0, 2, "", strings.NewReader("new"))
	require.NoError(t, err)
	res, err := store.Receive("dup", 1, 2, "", strings.NewReader("!"))
	require.NoError(t, err)
	require.True(t, res.Completed)

	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "dup.bin")).Content([]byte("new!")).Check())
}

func TestReceive_ResumesAfterRestart(t *testing.T) {
	store, _, root := newTestStore(t, Config{OutputExtension: ".bin"})
	_, err := store.Receive("resume", 0, 2, "", strings.NewReader("first-"))
	require.NoError(t, err)

	logger := log.NewLogger()
	restarted := New(root, reassembly.New(root, "", logger), logger, Config{OutputExtension: ".bin"})
	res, err := restarted.Receive("resume", 1, 2, "", strings.NewReader("second"))

	require.NoError(t, err)
	require.True(t, res.Completed)
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "resume.bin")).Content([]byte("first-second")).Check())
}

func TestReceive_LostChunkIsReportedMissing(t *testing.T) {
	store, assembler, root := newTestStore(t, Config{OutputExtension: ".bin"})
	for i, part := range []string{"a", "b"} {
		_, err := store.Receive("lost", i, 3, "", strings.NewReader(part))
		require.NoError(t, err)
	}
	require.NoError(t, os.Remove(reassembly.ChunkPath(root, "lost", 1)))

	res, err := store.Receive("lost", 2, 3, "", strings.NewReader("c"))
	require.NoError(t, err)
	assert.False(t, res.Completed)
	assert.Equal(t, 2, res.ReceivedIndex)
	assert.Equal(t, int32(0), assembler.calls.Load())

	status, err := store.Status("lost")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, status.Received)
	assert.Equal(t, []int{1}, status.Missing)

	res, err = store.Receive("lost", 1, 3, "", strings.NewReader("b"))
	require.NoError(t, err)
	require.True(t, res.Completed)
	assert.Equal(t, int32(1), assembler.calls.Load())
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "lost.bin")).Content([]byte("abc")).Check())
}

func TestReceive_LateDuplicateReplaysResult(t *testing.T) {
	store, assembler, _ := newTestStore(t, Config{OutputExtension: ".bin"})

	first, err := store.Receive("late", 0, 1, "", strings.NewReader("x"))
	require.NoError(t, err)
	require.True(t, first.Completed)

	replay, err := store.Receive("late", 0, 1, "", strings.NewReader("y"))
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Artifact.URL, replay.Artifact.URL)
	assert.Equal(t, int32(1), assembler.calls.Load())
}

func TestReceive_ConcurrentLastChunksAssembleOnce(t *testing.T) {
	const total = 64
	store, assembler, root := newTestStore(t, Config{OutputExtension: ".bin"})

	var expected bytes.Buffer
	chunks := make([][]byte, total)
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("chunk-%02d;", i))
		expected.Write(chunks[i])
	}

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		for copies := 0; copies < 2; copies++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				res, err := store.Receive("race", index, total, "", bytes.NewReader(chunks[index]))
				assert.NoError(t, err)
				if res.Completed && !res.Replayed {
					completed.Add(1)
				}
			}(i)
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(1), assembler.calls.Load())
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "race.bin")).Content(expected.Bytes()).Check())
}

func TestReceive_IndependentTransfers(t *testing.T) {
	store, assembler, root := newTestStore(t, Config{OutputExtension: ".bin"})

	var wg sync.WaitGroup
	for _, id := range []string{"one", "two", "three"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				_, err := store.Receive(id, i, 4, "", strings.NewReader(id))
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(3), assembler.calls.Load())
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, testutil.NewFileChecker(filepath.Join(root, id+".bin")).Content([]byte(strings.Repeat(id, 4))).Check())
	}
}

func TestReceive_LargeTransfer(t *testing.T) {
	const chunkSize = 2 * 1024
	const size = 10 * 1024 * 1024
	store, _, root := newTestStore(t, Config{OutputExtension: ".bin"})

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	chunks := splitPayload(payload, chunkSize)
	require.Len(t, chunks, 5120)

	var last Result
	for i, chunk := range chunks {
		res, err := store.Receive("big", i, len(chunks), "", bytes.NewReader(chunk))
		require.NoError(t, err)
		if i < len(chunks)-1 {
			require.False(t, res.Completed)
		}
		last = res
	}

	require.True(t, last.Completed)
	assert.Equal(t, int64(size), last.Artifact.Size)
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "big.bin")).Content(payload).Check())
}

func TestReceive_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		index int
		total int
	}{
		{name: "empty id", id: "", index: 0, total: 1},
		{name: "path traversal", id: "../etc", index: 0, total: 1},
		{name: "hidden id", id: ".staging", index: 0, total: 1},
		{name: "separator", id: "a/b", index: 0, total: 1},
		{name: "index equals total", id: "ok", index: 3, total: 3},
		{name: "negative index", id: "ok", index: -1, total: 3},
		{name: "zero total", id: "ok", index: 0, total: 0},
		{name: "id too long", id: strings.Repeat("x", 129), index: 0, total: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, assembler, root := newTestStore(t, Config{})

			_, err := store.Receive(tt.id, tt.index, tt.total, "", strings.NewReader("data"))

			require.ErrorIs(t, err, transfer.ErrInvalidChunkMetadata)
			assert.Equal(t, transfer.KindInvalidInput, transfer.KindOf(err))
			assert.Equal(t, int32(0), assembler.calls.Load())
			require.NoError(t, testutil.NewFileChecker(filepath.Join(root, reassembly.ScratchDirName)).NotExists().Check())
		})
	}
}

func TestReceive_EmptyPayload(t *testing.T) {
	store, _, root := newTestStore(t, Config{})

	_, err := store.Receive("empty", 0, 2, "", bytes.NewReader(nil))

	require.ErrorIs(t, err, transfer.ErrEmptyChunk)
	assert.Equal(t, transfer.KindInvalidInput, transfer.KindOf(err))
	require.NoError(t, testutil.NewFileChecker(reassembly.ChunkDir(root, "empty")).NotExists().Check())
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, reassembly.ScratchDirName, stagingDirName)).EntryCount(0).Check())
}

func TestReceive_TotalMismatch(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})

	_, err := store.Receive("mm", 0, 3, "", strings.NewReader("a"))
	require.NoError(t, err)

	_, err = store.Receive("mm", 1, 4, "", strings.NewReader("b"))
	require.ErrorIs(t, err, transfer.ErrInvalidChunkMetadata)
}

func TestReceive_StorageFailure(t *testing.T) {
	root := t.TempDir()
	logger := log.NewLogger()
	fsys := &testutil.FaultyFileSystem{FailRenameTo: filepath.Join("fail", "1")}
	store := NewWithFileSystem(root, reassembly.New(root, "", logger), fsys, logger, Config{})

	_, err := store.Receive("fail", 1, 2, "", strings.NewReader("b"))

	require.ErrorIs(t, err, transfer.ErrIO)
	assert.Equal(t, transfer.KindStorage, transfer.KindOf(err))
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, reassembly.ScratchDirName, stagingDirName)).EntryCount(0).Check())
}

func TestReceive_DetectsExtension(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	store, _, _ := newTestStore(t, Config{})

	res, err := store.Receive("pic", 0, 1, "", bytes.NewReader(png))

	require.NoError(t, err)
	require.True(t, res.Completed)
	assert.Equal(t, "pic.png", res.Artifact.Name)
}

func TestStatus_UnknownTransfer(t *testing.T) {
	store, _, _ := newTestStore(t, Config{})

	_, err := store.Status("nope")

	require.ErrorIs(t, err, transfer.ErrTransferNotFound)
}

func TestStatus_Completed(t *testing.T) {
	store, _, _ := newTestStore(t, Config{OutputExtension: ".bin"})
	for i := 0; i < 3; i++ {
		_, err := store.Receive("done", i, 3, "", strings.NewReader("x"))
		require.NoError(t, err)
	}

	status, err := store.Status("done")

	require.NoError(t, err)
	assert.True(t, status.Completed)
	assert.Equal(t, []int{0, 1, 2}, status.Received)
	assert.Empty(t, status.Missing)
}

func TestAbort(t *testing.T) {
	store, assembler, root := newTestStore(t, Config{OutputExtension: ".bin"})
	_, err := store.Receive("ab", 0, 2, "", strings.NewReader("old"))
	require.NoError(t, err)

	require.NoError(t, store.Abort("ab"))
	require.NoError(t, testutil.NewFileChecker(reassembly.ChunkDir(root, "ab")).NotExists().Check())

	_, err = store.Status("ab")
	require.ErrorIs(t, err, transfer.ErrTransferNotFound)

	// The id can be reused with a different total.
	for i := 0; i < 3; i++ {
		_, err := store.Receive("ab", i, 3, "", strings.NewReader("n"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), assembler.calls.Load())
	require.NoError(t, testutil.NewFileChecker(filepath.Join(root, "ab.bin")).Content([]byte("nnn")).Check())

	require.ErrorIs(t, store.Abort("unknown"), transfer.ErrTransferNotFound)
}

func TestCleanupStale(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store, _, root := newTestStore(t, Config{Clock: clock.Now})

	_, err := store.Receive("stale", 0, 2, "", strings.NewReader("a"))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = store.Receive("fresh", 0, 2, "", strings.NewReader("b"))
	require.NoError(t, err)

	orphan := reassembly.ChunkDir(root, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0755))
	old := clock.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	removed, err := store.CleanupStale(time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	require.NoError(t, testutil.NewFileChecker(reassembly.ChunkDir(root, "stale")).NotExists().Check())
	require.NoError(t, testutil.NewFileChecker(orphan).NotExists().Check())
	require.NoError(t, testutil.NewFileChecker(reassembly.ChunkDir(root, "fresh")).IsDir().Check())

	_, err = store.Status("stale")
	require.ErrorIs(t, err, transfer.ErrTransferNotFound)
}
