package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lendexhq/lendex/pkg/core"
)

// PebbleStore persists the ledger in a pebble database. Records are JSON;
// a whole core.ChangeSet is applied as one synced batch, so a crash can
// never expose a half-committed operation.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) get(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) Instrument(id uint64) (core.Instrument, bool, error) {
	var inst core.Instrument
	ok, err := s.get(instrumentKey(id), &inst)
	return inst, ok, err
}

func (s *PebbleStore) InstrumentCount() (uint64, error) {
	data, closer, err := s.db.Get(instrumentCountKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get instrument count: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("instrument count: %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *PebbleStore) Position(account common.Address, instrument uint64) (core.Position, bool, error) {
	var pos core.Position
	ok, err := s.get(positionKey(account, instrument), &pos)
	return pos, ok, err
}

func (s *PebbleStore) Order(id core.OrderID) (core.OrderRecord, bool, error) {
	var rec core.OrderRecord
	ok, err := s.get(orderKey(id), &rec)
	return rec, ok, err
}

// Globals returns the stored parameters, or zero values before genesis
// setup has written any.
func (s *PebbleStore) Globals() (core.Globals, error) {
	var g core.Globals
	if _, err := s.get(globalsKey(), &g); err != nil {
		return core.Globals{}, err
	}
	return g, nil
}

func (s *PebbleStore) Commit(cs core.ChangeSet) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	set := func(key []byte, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", key, err)
		}
		return batch.Set(key, data, nil)
	}

	for id, inst := range cs.Instruments {
		if err := set(instrumentKey(id), inst); err != nil {
			return err
		}
	}
	if cs.InstrumentCount != nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], *cs.InstrumentCount)
		if err := batch.Set(instrumentCountKey(), buf[:], nil); err != nil {
			return err
		}
	}
	for key, pos := range cs.Positions {
		if err := set(positionKey(key.Account, key.Instrument), pos); err != nil {
			return err
		}
	}
	for id, rec := range cs.Orders {
		if err := set(orderKey(id), rec); err != nil {
			return err
		}
	}
	for id := range cs.RemovedOrders {
		if err := batch.Delete(orderKey(id), nil); err != nil {
			return err
		}
	}
	if cs.Globals != nil {
		if err := set(globalsKey(), *cs.Globals); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

var _ core.Store = (*PebbleStore)(nil)
