package kvdb

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type levelDB struct {
	path string
	db   *leveldb.DB
}

func NewLevelDB(path string) (KVDB, error) {
	if path == "" {
		path = "./data/db"
	}
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &levelDB{path: path, db: db}, nil
}

// NewMemDB opens a leveldb instance over memory storage. Nothing survives Close.
func NewMemDB() (KVDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &levelDB{db: db}, nil
}

func (p *levelDB) Read(key []byte) ([]byte, error) {
	val, err := p.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return append([]byte{}, val...), nil
}

func (p *levelDB) Write(key, value []byte) error {
	return p.db.Put(key, value, &opt.WriteOptions{Sync: p.path != ""})
}

func (p *levelDB) Delete(key []byte) error {
	return p.db.Delete(key, &opt.WriteOptions{Sync: p.path != ""})
}

func (p *levelDB) Close() error {
	return p.db.Close()
}

func (p *levelDB) BatchRead(prefix []byte, reverse bool, r func(k, v []byte) error) error {
	var rng *util.Range
	if len(prefix) > 0 {
		rng = util.BytesPrefix(prefix)
	}
	it := p.db.NewIterator(rng, nil)
	defer it.Release()

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

type levelWriteBatch struct {
	db     *leveldb.DB
	batch  *leveldb.Batch
	closed bool
}

func (p *levelWriteBatch) Put(key, value []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	p.batch.Put(key, value)
	return nil
}

func (p *levelWriteBatch) Delete(key []byte) error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	p.batch.Delete(key)
	return nil
}

func (p *levelWriteBatch) Flush() error {
	if p.closed {
		return errors.New("writebatch closed")
	}
	return p.db.Write(p.batch, nil)
}

func (p *levelWriteBatch) Close() {
	p.closed = true
	p.batch = nil
}

func (p *levelDB) NewWriteBatch() WriteBatch {
	return &levelWriteBatch{db: p.db, batch: &leveldb.Batch{}}
}
