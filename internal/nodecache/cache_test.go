package nodecache

import (
	"fmt"
	"io"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarm-dht/internal/dht"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	c, err := Open(filepath.Join(t.TempDir(), "sub", "nodes.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_CandidatesOrderedByRecency(t *testing.T) {
	c := openTemp(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a, b := dht.RandomNodeID(), dht.RandomNodeID()
	addrA := netip.MustParseAddrPort("10.0.0.1:49737")
	addrB := netip.MustParseAddrPort("10.0.0.2:49737")

	c.now = func() time.Time { return base }
	c.NoteSuccess(a, addrA)
	c.now = func() time.Time { return base.Add(time.Minute) }
	c.NoteSuccess(b, addrB)
	c.Flush()

	got, err := c.Candidates(0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b, got[0].ID)
	assert.Equal(t, addrB, got[0].Addr)
	assert.Equal(t, a, got[1].ID)

	got, err = c.Candidates(0, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCache_FailuresExcludeAndSuccessResets(t *testing.T) {
	c := openTemp(t)
	id := dht.RandomNodeID()
	addr := netip.MustParseAddrPort("10.0.0.1:49737")

	c.NoteSuccess(id, addr)
	c.NoteFailure(addr)
	c.NoteFailure(addr)
	c.Flush()

	got, err := c.Candidates(1, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Candidates(2, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Failures)

	c.NoteSuccess(id, addr)
	c.Flush()
	got, err = c.Candidates(0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCache_FailureForUnknownAddressIgnored(t *testing.T) {
	c := openTemp(t)
	c.NoteFailure(netip.MustParseAddrPort("10.0.0.9:1"))
	c.Flush()
	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCache_Prune(t *testing.T) {
	c := openTemp(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	c.NoteSuccess(dht.RandomNodeID(), netip.MustParseAddrPort("10.0.0.1:1"))
	c.now = func() time.Time { return base.Add(48 * time.Hour) }
	c.NoteSuccess(dht.RandomNodeID(), netip.MustParseAddrPort("10.0.0.2:1"))
	c.Flush()

	n, err := c.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestCache_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.db")
	c, err := Open(path, nil)
	require.NoError(t, err)
	id := dht.RandomNodeID()
	c.NoteSuccess(id, netip.MustParseAddrPort("10.0.0.1:49737"))
	// Close commits queued notes.
	require.NoError(t, c.Close())

	c, err = Open(path, nil)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.Candidates(0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

func TestCache_ManyNotesCommitInBatches(t *testing.T) {
	c := openTemp(t)
	const n = maxBatch*2 + 7
	for i := 0; i < n; i++ {
		addr := netip.MustParseAddrPort(fmt.Sprintf("10.0.%d.%d:4000", i/250, i%250+1))
		c.NoteSuccess(dht.RandomNodeID(), addr)
	}
	c.Flush()

	got, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestCache_NotesAfterCloseIgnored(t *testing.T) {
	c := openTemp(t)
	require.NoError(t, c.Close())

	c.NoteSuccess(dht.RandomNodeID(), netip.MustParseAddrPort("10.0.0.1:1"))
	c.Flush()
	c.PruneEvery(time.Hour, time.Millisecond)
}

func TestCache_PruneEvery(t *testing.T) {
	c := openTemp(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	c.NoteSuccess(dht.RandomNodeID(), netip.MustParseAddrPort("10.0.0.1:1"))
	c.Flush()

	c.now = func() time.Time { return base.Add(48 * time.Hour) }
	c.PruneEvery(24*time.Hour, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		n, err := c.Len()
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
}
