package disk_test

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehaus/vlrucache/cache/disk"
)

// hashOf mirrors the package-internal hashKey/path layout so external
// black-box tests can reach into a cache's directory without importing
// unexported helpers.
func hashOf(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func cleanFilePath(dir, key string, slot int) string {
	hash := hashOf(key)
	return filepath.Join(dir, hash[0:2], hash+"."+strconv.Itoa(slot))
}

func dirtyFilePath(dir, key string, slot int) string {
	return cleanFilePath(dir, key, slot) + ".tmp"
}

func open(t *testing.T, valueCount int, maxSize int64) *disk.Cache {
	t.Helper()
	c, err := disk.Open(t.TempDir(), valueCount, maxSize, disk.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func put(t *testing.T, c *disk.Cache, key string, values ...string) {
	t.Helper()
	ed, err := c.Edit(key)
	require.NoError(t, err)
	for i, v := range values {
		require.NoError(t, ed.Set(i, []byte(v)))
	}
	require.NoError(t, ed.Commit())
}

func Test_Open_Rejects_Invalid_Construction_Parameters(t *testing.T) {
	t.Parallel()

	_, err := disk.Open(t.TempDir(), 0, 1)
	assert.ErrorIs(t, err, disk.SentinelInvalidArg)

	_, err = disk.Open(t.TempDir(), 1, 0)
	assert.ErrorIs(t, err, disk.SentinelInvalidArg)
}

func Test_Put_Then_Get_Round_Trips_Every_Slot(t *testing.T) {
	t.Parallel()

	c := open(t, 2, 1<<20)
	put(t, c, "k1", "hello", "world")

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	s0, err := snap.String(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", s0)

	s1, err := snap.String(1)
	require.NoError(t, err)
	assert.Equal(t, "world", s1)
}

func Test_Put_Then_Get_Round_Trips_All_Slots_Together(t *testing.T) {
	t.Parallel()

	c := open(t, 3, 1<<20)
	put(t, c, "multi", "one", "two", "three")

	snap, err := c.Get("multi")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	got := make([]string, snap.ValueCount())
	for i := range got {
		got[i], err = snap.String(i)
		require.NoError(t, err)
	}

	want := []string{"one", "two", "three"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("slot contents mismatch (-want +got):\n%s", diff)
	}
}

func Test_Get_On_Unknown_Key_Is_A_Nil_Miss_Not_An_Error(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	snap, err := c.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func Test_First_Edit_Must_Write_Every_Slot_To_Commit(t *testing.T) {
	t.Parallel()

	c := open(t, 2, 1<<20)

	ed, err := c.Edit("partial")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("only-one")))

	err = ed.Commit()
	assert.ErrorIs(t, err, disk.SentinelIncomplete)

	// The incomplete first edit must leave no trace: it's a miss afterward.
	snap, err := c.Get("partial")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func Test_Update_Edit_May_Touch_A_Subset_Of_Slots(t *testing.T) {
	t.Parallel()

	c := open(t, 2, 1<<20)
	put(t, c, "k1", "a", "b")

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(1, []byte("b2")))
	require.NoError(t, ed.Commit())

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	s0, _ := snap.String(0)
	s1, _ := snap.String(1)
	assert.Equal(t, "a", s0)
	assert.Equal(t, "b2", s1)
}

func Test_Concurrent_Edit_On_The_Same_Key_Is_Busy(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	put(t, c, "k1", "a")

	ed1, err := c.Edit("k1")
	require.NoError(t, err)
	defer ed1.Abort()

	_, err = c.Edit("k1")
	assert.ErrorIs(t, err, disk.SentinelBusy)
}

func Test_Abort_On_First_Edit_Leaves_No_Entry(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("a")))
	require.NoError(t, ed.Abort())

	snap, err := c.Get("k1")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, 0, c.Len())
}

func Test_Abort_On_Update_Edit_Preserves_The_Previous_Value(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	put(t, c, "k1", "original")

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("replacement")))
	require.NoError(t, ed.Abort())

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	s, _ := snap.String(0)
	assert.Equal(t, "original", s)
}

func Test_Remove_Deletes_An_Entry_And_Is_Idempotent(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	put(t, c, "k1", "a")

	require.NoError(t, c.Remove("k1"))

	snap, err := c.Get("k1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	// Removing an already-absent key is a no-op, not an error.
	require.NoError(t, c.Remove("k1"))
}

func Test_Remove_Refuses_A_Key_With_An_In_Flight_Editor(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	ed, err := c.Edit("k1")
	require.NoError(t, err)
	defer ed.Abort()

	err = c.Remove("k1")
	assert.ErrorIs(t, err, disk.SentinelBusy)
}

func Test_Eviction_Drops_Least_Recently_Used_Entries_Over_The_Size_Cap(t *testing.T) {
	t.Parallel()

	// Each value is 4 bytes; cap at 10 bytes so only two entries fit.
	c := open(t, 1, 10)

	put(t, c, "a", "aaaa")
	put(t, c, "b", "bbbb")
	put(t, c, "c", "cccc") // forces eviction of "a"

	snapA, err := c.Get("a")
	require.NoError(t, err)
	assert.Nil(t, snapA, "a should have been evicted")

	snapC, err := c.Get("c")
	require.NoError(t, err)
	require.NotNil(t, snapC)
	snapC.Close()
}

func Test_Getting_An_Entry_Protects_It_From_The_Next_Eviction(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 10)

	put(t, c, "a", "aaaa")
	put(t, c, "b", "bbbb")

	// Touch "a" so it becomes more recently used than "b".
	snap, err := c.Get("a")
	require.NoError(t, err)
	snap.Close()

	put(t, c, "c", "cccc") // should evict "b", not "a"

	snapA, err := c.Get("a")
	require.NoError(t, err)
	assert.NotNil(t, snapA)
	if snapA != nil {
		snapA.Close()
	}

	snapB, err := c.Get("b")
	require.NoError(t, err)
	assert.Nil(t, snapB)
}

func Test_SetMaxSize_Shrink_Evicts_Asynchronously_Then_Flush_Waits_For_It(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	put(t, c, "a", "aaaa")
	put(t, c, "b", "bbbb")

	require.NoError(t, c.SetMaxSize(4))
	require.NoError(t, c.Flush())

	assert.LessOrEqual(t, c.Size(), int64(4))
}

func Test_Snapshot_Edit_Is_Refused_After_A_Newer_Commit(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	put(t, c, "k1", "v1")

	snap, err := c.Get("k1")
	require.NoError(t, err)
	defer snap.Close()

	// Commit again behind the snapshot's back.
	put(t, c, "k1", "v2")

	ed, err := snap.Edit()
	require.NoError(t, err)
	assert.Nil(t, ed, "edit against a stale snapshot sequence must be refused")

	// The snapshot was taken before the second commit and must still read
	// back the bytes that were current when it was opened, not "v2".
	s, err := snap.String(0)
	require.NoError(t, err)
	assert.Equal(t, "v1", s, "a held snapshot must stay isolated from a later commit's bytes")
}

func Test_Snapshot_Edit_Succeeds_Against_The_Current_Sequence(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	put(t, c, "k1", "v1")

	snap, err := c.Get("k1")
	require.NoError(t, err)
	defer snap.Close()

	ed, err := snap.Edit()
	require.NoError(t, err)
	require.NotNil(t, ed)
	require.NoError(t, ed.Abort())
}

func Test_Reopen_Recovers_Committed_Entries_Via_The_Directory_Scanner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reg := prometheus.NewRegistry()

	c1, err := disk.Open(dir, 1, 1<<20, disk.WithRegisterer(reg))
	require.NoError(t, err)
	put(t, c1, "k1", "persisted")
	require.NoError(t, c1.Close())

	c2, err := disk.Open(dir, 1, 1<<20, disk.WithRegisterer(reg))
	require.NoError(t, err)
	defer c2.Close()

	snap, err := c2.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	s, err := snap.String(0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", s)
}

func Test_Close_Aborts_In_Flight_Editors_And_Makes_The_Cache_Unusable(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 1<<20)
	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("a")))

	require.NoError(t, c.Close())

	_, err = c.Get("k1")
	assert.True(t, errors.Is(err, disk.SentinelInvalidState))

	// Close is idempotent.
	require.NoError(t, c.Close())
}

func Test_Committing_An_Entry_Larger_Than_MaxSize_Evicts_It_Immediately(t *testing.T) {
	t.Parallel()

	c := open(t, 1, 4) // cap is smaller than the value we're about to commit
	put(t, c, "big", "way-too-large-for-the-cap")

	snap, err := c.Get("big")
	require.NoError(t, err)
	assert.Nil(t, snap, "an entry that alone exceeds the cap must not survive its own commit")
	assert.Equal(t, int64(0), c.Size())
}

func Test_Get_Drops_An_Entry_Whose_Clean_File_Was_Deleted_Externally(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := disk.Open(dir, 1, 1<<20, disk.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer c.Close()

	put(t, c, "k1", "value")
	require.NoError(t, os.Remove(cleanFilePath(dir, "k1", 0)))

	snap, err := c.Get("k1")
	require.NoError(t, err)
	assert.Nil(t, snap, "a vanished clean file must read back as a clean miss, not an error")
	assert.Equal(t, 0, c.Len(), "the stale index entry must be dropped along with the miss")
}

// Test_Commit_Partial_Rename_Failure_Keeps_Renamed_Slots_And_Old_Values_For_The_Rest
// exercises an update edit where one slot's rename succeeds before a later
// slot's rename fails. The already-renamed slot must be kept, correctly
// accounted; the slot whose rename failed must keep serving its previous
// value, since its dirty write never took effect.
func Test_Commit_Partial_Rename_Failure_Keeps_Renamed_Slots_And_Old_Values_For_The_Rest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := disk.Open(dir, 2, 1<<20, disk.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer c.Close()

	put(t, c, "k1", "old0", "old1")

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("new0")))
	require.NoError(t, ed.Set(1, []byte("new1")))

	// Simulate an external wipe of slot 1's dirty file mid-edit: slot 0's
	// rename will succeed before slot 1's fails on a missing source file.
	require.NoError(t, os.Remove(dirtyFilePath(dir, "k1", 1)))

	err = ed.Commit()
	assert.ErrorIs(t, err, disk.SentinelCommitFailed)

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	s0, err := snap.String(0)
	require.NoError(t, err)
	assert.Equal(t, "new0", s0, "slot 0's rename had already succeeded and must be kept")

	s1, err := snap.String(1)
	require.NoError(t, err)
	assert.Equal(t, "old1", s1, "slot 1's rename failed; its prior value must be preserved")
}

// Test_Commit_Partial_Rename_Failure_On_First_Edit_Leaves_No_Entry_And_No_Orphaned_Files
// exercises the same mid-commit rename failure, but on a first-creation
// edit: since completeness is all-or-nothing, even a slot whose rename
// already succeeded must be rolled back, so no orphaned clean file survives
// without an index entry referencing it.
func Test_Commit_Partial_Rename_Failure_On_First_Edit_Leaves_No_Entry_And_No_Orphaned_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := disk.Open(dir, 2, 1<<20, disk.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer c.Close()

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, []byte("v0")))
	require.NoError(t, ed.Set(1, []byte("v1")))

	require.NoError(t, os.Remove(dirtyFilePath(dir, "k1", 1)))

	err = ed.Commit()
	assert.ErrorIs(t, err, disk.SentinelCommitFailed)

	snap, err := c.Get("k1")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, 0, c.Len())

	_, statErr := os.Stat(cleanFilePath(dir, "k1", 0))
	assert.True(t, os.IsNotExist(statErr), "slot 0's renamed-but-incomplete clean file must be rolled back")
}
