package kvdb

import (
	"bytes"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/sat20-labs/atomicals-market/common"
)

type pebbleDB struct {
	path string
	db   *pebble.DB
}

// 市场数据量小，以点查为主
func buildOptions() *pebble.Options {
	return &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MaxOpenFiles: 1000,
		MemTableSize: 16 << 20,
		Levels: func() []pebble.LevelOptions {
			lvls := make([]pebble.LevelOptions, 7)
			for i := range lvls {
				lvls[i].BlockSize = 8 << 10
				lvls[i].FilterPolicy = bloom.FilterPolicy(10)
				lvls[i].FilterType = pebble.TableFilter
			}
			return lvls
		}(),
	}
}

func NewPebbleDB(path string) (KVDB, error) {
	if path == "" {
		path = "./data/db"
	}
	db, err := pebble.Open(path, buildOptions())
	if err != nil {
		common.Log.Errorf("open pebble db %s failed, %v", path, err)
		return nil, err
	}
	return &pebbleDB{path: path, db: db}, nil
}

func (p *pebbleDB) Read(key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, val...), nil
}

func (p *pebbleDB) Write(key, value []byte) error {
	return p.db.Set(key, value, pebble.Sync)
}

func (p *pebbleDB) Delete(key []byte) error {
	return p.db.Delete(key, pebble.Sync)
}

func (p *pebbleDB) Close() error {
	return p.db.Close()
}

// nextPrefix returns the exclusive upper bound of keys sharing prefix, or
// nil when prefix is all 0xff.
func nextPrefix(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

func (p *pebbleDB) BatchRead(prefix []byte, reverse bool, r func(k, v []byte) error) error {
	var lower, upper []byte
	if len(prefix) > 0 {
		lower = prefix
		upper = nextPrefix(prefix)
	}

	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer it.Close()

	ok, next := it.First(), it.Next
	if reverse {
		ok, next = it.Last(), it.Prev
	}

	for ; ok; ok = next() {
		k := it.Key()
		if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
			break
		}
		if err := r(append([]byte{}, k...), append([]byte{}, it.Value()...)); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return it.Error()
}

type pebbleWriteBatch struct {
	batch  *pebble.Batch
	closed bool
}

func (p *pebbleWriteBatch) Put(key, value []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.batch.Set(key, value, nil)
}

func (p *pebbleWriteBatch) Delete(key []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.batch.Delete(key, nil)
}

func (p *pebbleWriteBatch) Flush() error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.batch.Commit(pebble.Sync)
}

func (p *pebbleWriteBatch) Close() {
	if p.closed {
		return
	}
	p.closed = true
	_ = p.batch.Close()
}

func (p *pebbleDB) NewWriteBatch() WriteBatch {
	return &pebbleWriteBatch{batch: p.db.NewBatch()}
}
