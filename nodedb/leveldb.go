// Package nodedb is the reference iface.NodeDB implementation (spec.md
// §6 is silent on storage engine; SPEC_FULL.md's domain stack names
// syndtr/goleveldb, the engine the teacher's own fork family
// (ProbeChain's probedb/leveldb, grounded on go-ethereum's ethdb) wraps
// in exactly this thin key-prefix style). Not spec-mandated; a caller may
// supply any other iface.NodeDB.
package nodedb

import (
	"encoding/binary"
	"fmt"

	"github.com/duskveil/node/iface"
	"github.com/duskveil/node/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	keyMyID     = []byte("n")
	prefixMined = []byte("m")
	prefixMacro = []byte("b")
)

// DB wraps a goleveldb handle with the key layout the Node needs.
type DB struct {
	db *leveldb.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// OpenMemory opens an in-memory database, for tests.
func OpenMemory() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) MyID() (types.NodeID, bool, error) {
	raw, err := d.db.Get(keyMyID, nil)
	if err == leveldb.ErrNotFound {
		return types.NodeID{}, false, nil
	}
	if err != nil {
		return types.NodeID{}, false, err
	}
	var id types.NodeID
	copy(id[:], raw)
	return id, true, nil
}

func (d *DB) SetMyID(id types.NodeID) error {
	return d.db.Put(keyMyID, id[:], nil)
}

func heightKey(prefix []byte, height uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], height)
	return key
}

// MinedIns records one locally-mined block at height (spec.md §4.4
// "record the mined row").
func (d *DB) MinedIns(height uint64, id types.BlockID, fees uint64) error {
	val := make([]byte, 40)
	copy(val[:32], id[:])
	binary.BigEndian.PutUint64(val[32:], fees)
	return d.db.Put(heightKey(prefixMined, height), val, nil)
}

// MinedList returns every recorded mined row, ascending by height.
func (d *DB) MinedList() ([]iface.MinedRow, error) {
	var out []iface.MinedRow
	iter := d.db.NewIterator(util.BytesPrefix(prefixMined), nil)
	defer iter.Release()
	for iter.Next() {
		height := binary.BigEndian.Uint64(iter.Key()[len(prefixMined):])
		val := iter.Value()
		var id types.BlockID
		copy(id[:], val[:32])
		fees := binary.BigEndian.Uint64(val[32:])
		out = append(out, iface.MinedRow{Height: height, ID: id, Fees: fees})
	}
	return out, iter.Error()
}

// MacroblockIns records a completed macroblock's upper height and file
// path (spec.md §4.5, §6 "the compressed pair is inserted into the
// chain's own macroblock ledger").
func (d *DB) MacroblockIns(upperHeight uint64, path string) error {
	return d.db.Put(heightKey(prefixMacro, upperHeight), []byte(path), nil)
}

// MacroblockList returns every recorded macroblock, ascending by upper
// height.
func (d *DB) MacroblockList() ([]iface.MacroblockRow, error) {
	var out []iface.MacroblockRow
	iter := d.db.NewIterator(util.BytesPrefix(prefixMacro), nil)
	defer iter.Release()
	for iter.Next() {
		upper := binary.BigEndian.Uint64(iter.Key()[len(prefixMacro):])
		path := string(iter.Value())
		out = append(out, iface.MacroblockRow{UpperHeight: upper, Path: path})
	}
	return out, iter.Error()
}

// MacroblockPrune deletes every recorded macroblock row at or below
// keepAbove, mirroring the files the Compressor has already superseded
// (spec.md §4.5 OnRolledBack).
func (d *DB) MacroblockPrune(keepAbove uint64) error {
	iter := d.db.NewIterator(util.BytesPrefix(prefixMacro), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		upper := binary.BigEndian.Uint64(iter.Key()[len(prefixMacro):])
		if upper <= keepAbove {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return d.db.Write(batch, nil)
}

var _ iface.NodeDB = (*DB)(nil)
