package market

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sat20-labs/atomicals-market/bitwork"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/rpcserver/wire"
)

func fail(c *gin.Context, data interface{}, err error) {
	log.Debugf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusOK, wire.Fail(data, err))
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, wire.OK(data))
}

func badRequest(err error) error {
	return errors.Wrap(common.ErrInvalidParams, err.Error())
}

// @Summary Health Check
// @Produce json
// @Success 200 {object} wire.HealthStatusResp
// @Router /health [get]
func (s *Service) getHealth(c *gin.Context) {
	ok(c, &wire.HealthStatusResp{
		Status:   "ok",
		Version:  common.MARKET_VERSION,
		StoreVer: common.STORE_VERSION,
		Network:  s.model.network(),
		Running:  s.model.RunningJobs(),
	})
}

// @Summary List an atomical for sale
// @Description The psbt is the seller's finalized fragment: the asset input
// @Description signed with SIGHASH_NONE|ANYONECANPAY and one output paying the price.
// @Accept json
// @Produce json
// @Param request body wire.CreateOfferReq true "offer"
// @Router /offer/create [post]
func (s *Service) createOffer(c *gin.Context) {
	var req wire.CreateOfferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	offer, err := s.model.CreateOffer(c.Request.Context(), &req)
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, offer)
}

func (s *Service) getOffer(c *gin.Context) {
	offer, err := s.model.GetOffer(c.Param("id"))
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, offer)
}

// validateOffer re-checks the offer against the indexer and cancels it when
// the asset moved.
func (s *Service) validateOffer(c *gin.Context) {
	offer, err := s.model.ValidateOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, offer)
}

// @Summary List offers
// @Produce json
// @Param status query string false "active, cancelled or settled"
// @Param start query int false "start index"
// @Param limit query int false "page size"
// @Router /offers [get]
func (s *Service) getOffers(c *gin.Context) {
	var req wire.OffersReq
	if err := c.ShouldBindQuery(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	resp, err := s.model.ListOffers(&req)
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, resp)
}

// @Summary Quote the purchase of an offer
// @Description Returns the unsigned buy psbt. The buyer signs and finalizes
// @Description its own inputs and posts it to /offer/buy before the quote expires.
// @Accept json
// @Produce json
// @Param request body wire.QuoteReq true "quote"
// @Router /offer/quote [post]
func (s *Service) quote(c *gin.Context) {
	var req wire.QuoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	quote, err := s.model.Quote(c.Request.Context(), &req)
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, quote)
}

// @Summary Settle an offer
// @Description A code of 1010 still carries the txid: the trade is recorded
// @Description and the transaction is resubmitted later.
// @Accept json
// @Produce json
// @Param request body wire.BuyReq true "signed quote"
// @Router /offer/buy [post]
func (s *Service) buy(c *gin.Context) {
	var req wire.BuyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	result, err := s.model.Buy(c.Request.Context(), &req)
	if err != nil {
		fail(c, result, err)
		return
	}
	ok(c, result)
}

func (s *Service) unlist(c *gin.Context) {
	var req wire.UnlistReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	offer, err := s.model.Unlist(c.Request.Context(), &req)
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, offer)
}

func (s *Service) getOrder(c *gin.Context) {
	order, err := s.model.GetOrder(c.Param("id"))
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, order)
}

// @Summary Parse a bitwork string
// @Description With a digest, also reports whether the digest satisfies it.
// @Accept json
// @Produce json
// @Param request body wire.BitworkCheckReq true "bitwork"
// @Router /bitwork/check [post]
func (s *Service) checkBitwork(c *gin.Context) {
	var req wire.BitworkCheckReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	spec, err := bitwork.Parse(req.Bitwork, req.Safety)
	if err != nil {
		fail(c, nil, err)
		return
	}
	resp := &wire.BitworkCheckResp{Spec: spec, Difficulty: spec.Difficulty()}
	if req.Digest != "" {
		satisfied := spec.Satisfies(req.Digest)
		resp.Satisfied = &satisfied
	}
	ok(c, resp)
}

// @Summary Build a commit/reveal pair
// @Description Starts a background job. With a bitwork target the job searches
// @Description commit sequences until the commit txid matches.
// @Accept json
// @Produce json
// @Param request body wire.MintBuildReq true "mint"
// @Router /mint/build [post]
func (s *Service) buildMint(c *gin.Context) {
	var req wire.MintBuildReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, nil, badRequest(err))
		return
	}
	job, err := s.model.StartMint(&req)
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, job.view())
}

func (s *Service) getMintJob(c *gin.Context) {
	job, err := s.model.GetMintJob(c.Param("id"))
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, job)
}

func (s *Service) cancelMintJob(c *gin.Context) {
	job, err := s.model.CancelMintJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, job)
}

func (s *Service) getPendingBroadcasts(c *gin.Context) {
	pending, err := s.model.PendingBroadcasts()
	if err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, pending)
}

func (s *Service) resubmit(c *gin.Context) {
	txid := c.Param("txid")
	if err := s.model.Resubmit(c.Request.Context(), txid); err != nil {
		fail(c, nil, err)
		return
	}
	ok(c, gin.H{"txid": txid})
}
