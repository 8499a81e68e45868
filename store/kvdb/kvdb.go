package kvdb

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound = errors.New("Key not found")
)

const (
	DriverPebble  = "pebble"
	DriverLevelDB = "leveldb"
	DriverMemory  = "memory"
)

type WriteBatch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Flush() error
	Close()
}

// 每个调用都是完整的transaction
type KVDB interface {
	Read(key []byte) ([]byte, error)
	Write(key, value []byte) error
	Delete(key []byte) error
	Close() error

	NewWriteBatch() WriteBatch

	// 遍历读
	BatchRead(prefix []byte, reverse bool, r func(k, v []byte) error) error
}

// ErrStopIteration ends a BatchRead early without reporting an error.
var ErrStopIteration = errors.New("stop iteration")

func NewKVDB(driver, path string) (KVDB, error) {
	switch driver {
	case DriverPebble, "":
		return NewPebbleDB(path)
	case DriverLevelDB:
		return NewLevelDB(path)
	case DriverMemory:
		return NewMemDB()
	}
	return nil, fmt.Errorf("unsupported kv driver %s", driver)
}
