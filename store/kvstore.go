package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/store/kvdb"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	offerPrefix     = "o-"
	offerTimePrefix = "t-"
	orderPrefix     = "r-"
	orderTimePrefix = "s-"
	pendingTxPrefix = "p-"
)

func offerKey(id string) []byte {
	return []byte(offerPrefix + id)
}

func offerTimeKey(o *Offer) []byte {
	return []byte(fmt.Sprintf("%s%020d-%s", offerTimePrefix, o.CreatedAt, o.ID))
}

func orderKey(id string) []byte {
	return []byte(orderPrefix + id)
}

func orderTimeKey(o *Order) []byte {
	return []byte(fmt.Sprintf("%s%020d-%s", orderTimePrefix, o.CreatedAt, o.ID))
}

func pendingKey(txid string) []byte {
	return []byte(pendingTxPrefix + txid)
}

// KVStore keeps records msgpack encoded in a KVDB. Conditional updates are
// serialized in process.
type KVStore struct {
	mu sync.Mutex
	db kvdb.KVDB
}

func NewKVStore(db kvdb.KVDB) *KVStore {
	return &KVStore{db: db}
}

func (s *KVStore) get(key []byte, v interface{}) error {
	b, err := s.db.Read(key)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(b, v)
}

func (s *KVStore) getOffer(id string) (*Offer, error) {
	var o Offer
	if err := s.get(offerKey(id), &o); err != nil {
		if errors.Is(err, kvdb.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", common.ErrOfferNotFound, id)
		}
		return nil, err
	}
	return &o, nil
}

func (s *KVStore) CreateOffer(offer *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := s.db.NewWriteBatch()
	defer wb.Close()

	old, err := s.getOffer(offer.ID)
	switch {
	case err == nil:
		// only a cancelled listing may be replaced, a settled one is final
		if old.Status != StatusCancelled {
			return fmt.Errorf("%w: %s is %s", common.ErrOfferExists, offer.ID, old.Status)
		}
		if err := wb.Delete(offerTimeKey(old)); err != nil {
			return err
		}
	case !errors.Is(err, common.ErrOfferNotFound):
		return err
	}

	if offer.CreatedAt == 0 {
		offer.CreatedAt = now()
	}
	offer.UpdatedAt = offer.CreatedAt
	b, err := msgpack.Marshal(offer)
	if err != nil {
		return err
	}
	if err := wb.Put(offerKey(offer.ID), b); err != nil {
		return err
	}
	if err := wb.Put(offerTimeKey(offer), []byte(offer.ID)); err != nil {
		return err
	}
	return wb.Flush()
}

func (s *KVStore) GetOffer(id string) (*Offer, error) {
	return s.getOffer(id)
}

func (s *KVStore) ListOffers(status Status, start, limit int) ([]*Offer, int, error) {
	var offers []*Offer
	err := s.db.BatchRead([]byte(offerTimePrefix), true, func(k, v []byte) error {
		o, err := s.getOffer(string(v))
		if err != nil {
			common.Log.Warnf("offer index %s dangling, %v", string(k), err)
			return nil
		}
		if status == "" || o.Status == status {
			offers = append(offers, o)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	from, to := page(len(offers), start, limit)
	return offers[from:to], len(offers), nil
}

func (s *KVStore) UpdateOfferStatus(id string, from, to Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOffer(id)
	if err != nil {
		return err
	}
	if o.Status != from {
		return fmt.Errorf("%w: %s is %s", common.ErrOfferNotActive, id, o.Status)
	}
	o.Status = to
	o.Reason = reason
	o.UpdatedAt = now()
	b, err := msgpack.Marshal(o)
	if err != nil {
		return err
	}
	return s.db.Write(offerKey(id), b)
}

func (s *KVStore) SettleOffer(id string, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOffer(id)
	if err != nil {
		return err
	}
	if o.Status != StatusActive {
		return fmt.Errorf("%w: %s is %s", common.ErrOfferNotActive, id, o.Status)
	}
	o.Status = StatusSettled
	o.UpdatedAt = now()
	if order.CreatedAt == 0 {
		order.CreatedAt = o.UpdatedAt
	}

	ob, err := msgpack.Marshal(o)
	if err != nil {
		return err
	}
	rb, err := msgpack.Marshal(order)
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Close()
	if err := wb.Put(offerKey(id), ob); err != nil {
		return err
	}
	if err := wb.Put(orderKey(order.ID), rb); err != nil {
		return err
	}
	if err := wb.Put(orderTimeKey(order), []byte(order.ID)); err != nil {
		return err
	}
	return wb.Flush()
}

func (s *KVStore) GetOrder(id string) (*Order, error) {
	var o Order
	if err := s.get(orderKey(id), &o); err != nil {
		if errors.Is(err, kvdb.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: order %s", common.ErrInvalidParams, id)
		}
		return nil, err
	}
	return &o, nil
}

func (s *KVStore) ListOrders(start, limit int) ([]*Order, int, error) {
	var ids []string
	err := s.db.BatchRead([]byte(orderTimePrefix), true, func(k, v []byte) error {
		ids = append(ids, string(v))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	from, to := page(len(ids), start, limit)
	orders := make([]*Order, 0, to-from)
	for _, id := range ids[from:to] {
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, len(ids), nil
}

func (s *KVStore) SavePendingBroadcast(p *PendingBroadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old PendingBroadcast
	err := s.get(pendingKey(p.Txid), &old)
	switch {
	case err == nil:
		p.CreatedAt = old.CreatedAt
	case errors.Is(err, kvdb.ErrKeyNotFound):
		if p.CreatedAt == 0 {
			p.CreatedAt = now()
		}
	default:
		return err
	}
	p.UpdatedAt = now()

	b, err := msgpack.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Write(pendingKey(p.Txid), b)
}

func (s *KVStore) ListPendingBroadcasts() ([]*PendingBroadcast, error) {
	var result []*PendingBroadcast
	err := s.db.BatchRead([]byte(pendingTxPrefix), false, func(k, v []byte) error {
		var p PendingBroadcast
		if err := msgpack.Unmarshal(v, &p); err != nil {
			return err
		}
		result = append(result, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}

func (s *KVStore) DeletePendingBroadcast(txid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(pendingKey(txid))
}

func (s *KVStore) Close() error {
	return s.db.Close()
}
