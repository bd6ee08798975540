package nodedb

import (
	"testing"

	"github.com/duskveil/node/types"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMyIDRoundTrip(t *testing.T) {
	db := testDB(t)

	_, ok, err := db.MyID()
	require.NoError(t, err)
	require.False(t, ok)

	want := types.NodeID{1, 2, 3}
	require.NoError(t, db.SetMyID(want))

	got, ok, err := db.MyID()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestMinedListOrderedByHeight(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.MinedIns(5, types.BlockID{5}, 50))
	require.NoError(t, db.MinedIns(1, types.BlockID{1}, 10))
	require.NoError(t, db.MinedIns(3, types.BlockID{3}, 30))

	rows, err := db.MinedList()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []uint64{1, 3, 5}, []uint64{rows[0].Height, rows[1].Height, rows[2].Height})
	require.Equal(t, uint64(30), rows[2-1].Fees)
}

func TestMacroblockPruneRemovesAtOrBelow(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.MacroblockIns(100, "macro-100"))
	require.NoError(t, db.MacroblockIns(200, "macro-200"))
	require.NoError(t, db.MacroblockIns(300, "macro-300"))

	require.NoError(t, db.MacroblockPrune(200))

	rows, err := db.MacroblockList()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint64(300), rows[0].UpperHeight)
	require.Equal(t, "macro-300", rows[0].Path)
}
