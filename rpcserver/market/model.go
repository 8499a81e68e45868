package market

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/mint"
	"github.com/sat20-labs/atomicals-market/pow"
	"github.com/sat20-labs/atomicals-market/rpcserver/wire"
	"github.com/sat20-labs/atomicals-market/store"
	"github.com/sat20-labs/atomicals-market/swap"
)

var log = common.GetLoggerEntry("market")

const (
	JobRunning   = "running"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"

	// finished jobs are forgotten after this long
	jobRetention = time.Hour
)

// MintJob is a commit/reveal build running in the background.
type MintJob struct {
	id        string
	createdAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	tried atomic.Uint64
	total atomic.Uint64

	mu        sync.Mutex
	status    string
	result    *mint.Result
	err       error
	updatedAt time.Time
}

func (j *MintJob) finish(result *mint.Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = result
	j.err = err
	j.updatedAt = time.Now()
	switch {
	case err == nil:
		j.status = JobDone
		j.tried.Store(result.Tried)
	case errors.Is(err, common.ErrSearchCancelled):
		j.status = JobCancelled
	default:
		j.status = JobFailed
	}
	close(j.done)
}

func (j *MintJob) finishedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status != JobRunning && j.updatedAt.Before(t)
}

func (j *MintJob) view() *wire.MintJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := &wire.MintJob{
		ID:        j.id,
		Status:    j.status,
		Tried:     j.tried.Load(),
		Total:     j.total.Load(),
		Result:    j.result,
		CreatedAt: j.createdAt.Unix(),
		UpdatedAt: j.updatedAt.Unix(),
	}
	if j.err != nil {
		v.Code = common.CodeOf(j.err)
		v.Msg = j.err.Error()
	}
	return v
}

type Model struct {
	swap     *swap.Service
	mintOpts pow.Options

	ctx    context.Context
	cancel context.CancelFunc
	jobs   cmap.ConcurrentMap[string, *MintJob]
}

func NewModel(swapService *swap.Service, mintOpts pow.Options) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		swap:     swapService,
		mintOpts: mintOpts,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     cmap.New[*MintJob](),
	}
}

func (m *Model) network() string {
	return m.swap.Config().Network
}

func (m *Model) account(address, publicKey string) (*common.Account, error) {
	acct, err := common.NewAccount(address, publicKey, m.network())
	if err != nil {
		return nil, errors.Wrap(common.ErrInvalidParams, err.Error())
	}
	return acct, nil
}

func (m *Model) offerView(o *store.Offer) *wire.Offer {
	return &wire.Offer{
		ID:              o.ID,
		AssetID:         o.AssetID,
		Subtype:         o.Subtype,
		SellerAddress:   o.SellerAddress,
		ReceiverAddress: o.ReceiverAddress,
		Price:           o.Price,
		ServiceFee:      m.swap.ServiceFee(o.Price),
		Utxo:            (&common.Utxo{Txid: o.Txid, Vout: o.Vout}).String(),
		Value:           o.Value,
		Status:          string(o.Status),
		Reason:          o.Reason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (m *Model) CreateOffer(ctx context.Context, req *wire.CreateOfferReq) (*wire.Offer, error) {
	seller, err := m.account(req.SellerAddress, req.SellerPublicKey)
	if err != nil {
		return nil, err
	}
	offer, err := m.swap.List(ctx, &swap.ListRequest{
		Seller:          seller,
		AssetID:         req.AssetID,
		ReceiverAddress: req.ReceiverAddress,
		Price:           req.Price,
		Psbt:            req.Psbt,
	})
	if err != nil {
		return nil, err
	}
	return m.offerView(offer), nil
}

func (m *Model) GetOffer(id string) (*wire.Offer, error) {
	offer, err := m.swap.GetOffer(id)
	if err != nil {
		return nil, err
	}
	return m.offerView(offer), nil
}

func (m *Model) ValidateOffer(ctx context.Context, id string) (*wire.Offer, error) {
	offer, err := m.swap.Validate(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.offerView(offer), nil
}

func (m *Model) ListOffers(req *wire.OffersReq) (*wire.OffersResp, error) {
	offers, total, err := m.swap.ListOffers(store.Status(req.Status), req.Start, req.Limit)
	if err != nil {
		return nil, err
	}
	resp := &wire.OffersResp{
		ListResp: wire.ListResp{Start: int64(req.Start), Total: uint64(total)},
		Offers:   make([]*wire.Offer, 0, len(offers)),
	}
	for _, o := range offers {
		resp.Offers = append(resp.Offers, m.offerView(o))
	}
	return resp, nil
}

func (m *Model) Quote(ctx context.Context, req *wire.QuoteReq) (*swap.Quote, error) {
	buyer, err := m.account(req.BuyerAddress, req.BuyerPublicKey)
	if err != nil {
		return nil, err
	}
	return m.swap.Quote(ctx, &swap.QuoteRequest{
		OfferID:         req.OfferID,
		Buyer:           buyer,
		ReceiverAddress: req.ReceiverAddress,
		FeeRate:         req.FeeRate,
		Utxos:           req.Utxos,
	})
}

func (m *Model) Buy(ctx context.Context, req *wire.BuyReq) (*swap.ConfirmResult, error) {
	return m.swap.Confirm(ctx, &swap.ConfirmRequest{
		OfferID:      req.OfferID,
		BuyerAddress: req.BuyerAddress,
		Psbt:         req.Psbt,
	})
}

func (m *Model) Unlist(ctx context.Context, req *wire.UnlistReq) (*wire.Offer, error) {
	offer, err := m.swap.Unlist(ctx, &swap.UnlistRequest{
		OfferID:   req.OfferID,
		Address:   req.Address,
		PublicKey: req.PublicKey,
		Signature: req.Signature,
	})
	if err != nil {
		return nil, err
	}
	return m.offerView(offer), nil
}

func (m *Model) GetOrder(id string) (*store.Order, error) {
	return m.swap.GetOrder(id)
}

func (m *Model) PendingBroadcasts() ([]*store.PendingBroadcast, error) {
	return m.swap.ListPendingBroadcasts()
}

func (m *Model) Resubmit(ctx context.Context, txid string) error {
	return m.swap.Resubmit(ctx, txid)
}

// StartMint validates the request and runs the build in the background.
func (m *Model) StartMint(req *wire.MintBuildReq) (*MintJob, error) {
	acct, err := m.account(req.Address, req.PublicKey)
	if err != nil {
		return nil, err
	}
	mintReq := &mint.Request{
		Op:                req.Op,
		Payload:           req.Payload,
		Network:           m.network(),
		Account:           acct,
		FeeRate:           req.FeeRate,
		Utxos:             req.Utxos,
		Anchor:            req.Anchor,
		Bitwork:           req.Bitwork,
		RevealOutputValue: req.RevealOutputValue,
	}
	// reject bad requests before a job exists
	if _, err := mint.NewBuilder(mintReq); err != nil {
		return nil, err
	}

	m.sweep()
	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()
	job := &MintJob{
		id:        uuid.NewString(),
		createdAt: now,
		updatedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    JobRunning,
	}
	m.jobs.Set(job.id, job)

	progress := make(chan pow.Progress, 16)
	opts := m.mintOpts
	opts.Progress = progress
	go func() {
		for {
			select {
			case p := <-progress:
				job.tried.Store(p.Tried)
				job.total.Store(p.Total)
			case <-job.done:
				return
			}
		}
	}()
	go func() {
		defer cancel()
		result, err := mint.Build(ctx, mintReq, opts)
		if err != nil {
			log.Warnf("mint job %s: %v", job.id, err)
		} else {
			log.Infof("mint job %s done, commit %s", job.id, result.CommitTxid)
		}
		job.finish(result, err)
	}()
	log.Infof("mint job %s started: %s for %s bitwork %q", job.id, req.Op, req.Address, req.Bitwork)
	return job, nil
}

func (m *Model) job(id string) (*MintJob, error) {
	job, ok := m.jobs.Get(id)
	if !ok {
		return nil, errors.Wrapf(common.ErrJobNotFound, "job %s", id)
	}
	return job, nil
}

func (m *Model) GetMintJob(id string) (*wire.MintJob, error) {
	job, err := m.job(id)
	if err != nil {
		return nil, err
	}
	return job.view(), nil
}

// CancelMintJob stops a running job and waits for its workers to return.
func (m *Model) CancelMintJob(ctx context.Context, id string) (*wire.MintJob, error) {
	job, err := m.job(id)
	if err != nil {
		return nil, err
	}
	job.cancel()
	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return job.view(), nil
}

func (m *Model) RunningJobs() int {
	n := 0
	for item := range m.jobs.IterBuffered() {
		item.Val.mu.Lock()
		if item.Val.status == JobRunning {
			n++
		}
		item.Val.mu.Unlock()
	}
	return n
}

func (m *Model) sweep() {
	cutoff := time.Now().Add(-jobRetention)
	for item := range m.jobs.IterBuffered() {
		if item.Val.finishedBefore(cutoff) {
			m.jobs.Remove(item.Key)
		}
	}
}

// Close cancels every running job.
func (m *Model) Close() {
	m.cancel()
}
