package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sat20-labs/atomicals-market/common"
)

const schema = `
create table if not exists offers (
	id text primary key not null,
	asset_id text not null,
	subtype text,
	seller_address text not null,
	seller_public_key text,
	receiver_address text not null,
	price integer not null,
	txid text not null,
	vout integer not null,
	value integer not null,
	script text,
	psbt text not null,
	status text not null,
	reason text,
	created_at integer,
	updated_at integer
);
create index if not exists index_offers_status on offers (status, created_at);
create table if not exists orders (
	id text primary key not null,
	offer_id text not null,
	asset_id text not null,
	txid text not null,
	raw_tx text not null,
	buyer_address text,
	seller_address text,
	price integer,
	service_fee integer,
	network_fee integer,
	created_at integer
);
create table if not exists pending_broadcasts (
	txid text primary key not null,
	offer_id text,
	raw_tx text not null,
	last_error text,
	attempts integer,
	created_at integer,
	updated_at integer
);
`

const offerColumns = "id, asset_id, subtype, seller_address, seller_public_key, receiver_address, price, " +
	"txid, vout, value, script, psbt, status, reason, created_at, updated_at"

const orderColumns = "id, offer_id, asset_id, txid, raw_tx, buyer_address, seller_address, price, " +
	"service_fee, network_fee, created_at"

// SQLStore keeps records in a relational database. Status transitions are
// single UPDATE statements guarded by the expected current status.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a sqlite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := NewSQLStore(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Init() error {
	_, err := s.db.Exec(schema)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row scanner) (*Offer, error) {
	var o Offer
	var subtype, pub, script, reason sql.NullString
	err := row.Scan(&o.ID, &o.AssetID, &subtype, &o.SellerAddress, &pub, &o.ReceiverAddress, &o.Price,
		&o.Txid, &o.Vout, &o.Value, &script, &o.Psbt, &o.Status, &reason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Subtype = subtype.String
	o.SellerPublicKey = pub.String
	o.Script = script.String
	o.Reason = reason.String
	return &o, nil
}

func (s *SQLStore) CreateOffer(offer *Offer) error {
	if offer.CreatedAt == 0 {
		offer.CreatedAt = now()
	}
	offer.UpdatedAt = offer.CreatedAt

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status Status
	err = tx.QueryRow("select status from offers where id=?", offer.ID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	case status != StatusCancelled:
		return fmt.Errorf("%w: %s is %s", common.ErrOfferExists, offer.ID, status)
	}

	stmt := "insert or replace into offers(" + offerColumns + ") values(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)"
	_, err = tx.Exec(stmt, offer.ID, offer.AssetID, offer.Subtype, offer.SellerAddress, offer.SellerPublicKey,
		offer.ReceiverAddress, offer.Price, offer.Txid, offer.Vout, offer.Value, offer.Script, offer.Psbt,
		offer.Status, offer.Reason, offer.CreatedAt, offer.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetOffer(id string) (*Offer, error) {
	row := s.db.QueryRow("select "+offerColumns+" from offers where id=?", id)
	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", common.ErrOfferNotFound, id)
	}
	return o, err
}

func (s *SQLStore) ListOffers(status Status, start, limit int) ([]*Offer, int, error) {
	var where string
	var args []interface{}
	if status != "" {
		where = " where status=?"
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRow("select count(*) from offers"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	if start < 0 {
		start = 0
	}
	rows, err := s.db.Query("select "+offerColumns+" from offers"+where+
		" order by created_at desc, id desc limit ? offset ?", append(args, limit, start)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var offers []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, 0, err
		}
		offers = append(offers, o)
	}
	return offers, total, rows.Err()
}

// notActive distinguishes a failed status precondition from a missing row.
func notActive(q interface {
	QueryRow(string, ...interface{}) *sql.Row
}, id string) error {
	var status Status
	err := q.QueryRow("select status from offers where id=?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", common.ErrOfferNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", common.ErrOfferNotActive, id, status)
}

func (s *SQLStore) UpdateOfferStatus(id string, from, to Status, reason string) error {
	res, err := s.db.Exec("update offers set status=?, reason=?, updated_at=? where id=? and status=?",
		to, reason, now(), id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return notActive(s.db, id)
	}
	return nil
}

func (s *SQLStore) SettleOffer(id string, order *Order) error {
	ts := now()
	if order.CreatedAt == 0 {
		order.CreatedAt = ts
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec("update offers set status=?, updated_at=? where id=? and status=?",
		StatusSettled, ts, id, StatusActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return notActive(tx, id)
	}

	_, err = tx.Exec("insert into orders("+orderColumns+") values(?,?,?,?,?,?,?,?,?,?,?)",
		order.ID, order.OfferID, order.AssetID, order.Txid, order.RawTx, order.BuyerAddress,
		order.SellerAddress, order.Price, order.ServiceFee, order.NetworkFee, order.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanOrder(row scanner) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OfferID, &o.AssetID, &o.Txid, &o.RawTx, &o.BuyerAddress, &o.SellerAddress,
		&o.Price, &o.ServiceFee, &o.NetworkFee, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLStore) GetOrder(id string) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow("select "+orderColumns+" from orders where id=?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %s", common.ErrInvalidParams, id)
	}
	return o, err
}

func (s *SQLStore) ListOrders(start, limit int) ([]*Order, int, error) {
	var total int
	if err := s.db.QueryRow("select count(*) from orders").Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	if start < 0 {
		start = 0
	}
	rows, err := s.db.Query("select "+orderColumns+" from orders order by created_at desc, id desc limit ? offset ?",
		limit, start)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (s *SQLStore) SavePendingBroadcast(p *PendingBroadcast) error {
	ts := now()
	if p.CreatedAt == 0 {
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
	_, err := s.db.Exec(`insert into pending_broadcasts(txid, offer_id, raw_tx, last_error, attempts, created_at, updated_at)
		values(?,?,?,?,?,?,?)
		on conflict(txid) do update set last_error=excluded.last_error, attempts=excluded.attempts, updated_at=excluded.updated_at`,
		p.Txid, p.OfferID, p.RawTx, p.LastError, p.Attempts, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *SQLStore) ListPendingBroadcasts() ([]*PendingBroadcast, error) {
	rows, err := s.db.Query("select txid, offer_id, raw_tx, last_error, attempts, created_at, updated_at " +
		"from pending_broadcasts order by created_at asc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PendingBroadcast
	for rows.Next() {
		var p PendingBroadcast
		var offerID, lastError sql.NullString
		if err := rows.Scan(&p.Txid, &offerID, &p.RawTx, &lastError, &p.Attempts, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.OfferID = offerID.String
		p.LastError = lastError.String
		result = append(result, &p)
	}
	return result, rows.Err()
}

func (s *SQLStore) DeletePendingBroadcast(txid string) error {
	_, err := s.db.Exec("delete from pending_broadcasts where txid=?", txid)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
