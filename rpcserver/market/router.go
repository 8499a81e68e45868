package market

import (
	"github.com/gin-gonic/gin"
	"github.com/sat20-labs/atomicals-market/pow"
	"github.com/sat20-labs/atomicals-market/swap"
)

type Service struct {
	model *Model
}

func NewService(swapService *swap.Service, mintOpts pow.Options) *Service {
	return &Service{
		model: NewModel(swapService, mintOpts),
	}
}

func (s *Service) InitRouter(r *gin.Engine, basePath string) {
	r.GET(basePath+"/health", s.getHealth)

	// offers
	r.POST(basePath+"/offer/create", s.createOffer)
	r.GET(basePath+"/offer/:id", s.getOffer)
	r.GET(basePath+"/offer/:id/validate", s.validateOffer)
	r.GET(basePath+"/offers", s.getOffers)
	r.POST(basePath+"/offer/quote", s.quote)
	r.POST(basePath+"/offer/buy", s.buy)
	r.POST(basePath+"/offer/unlist", s.unlist)
	r.GET(basePath+"/order/:id", s.getOrder)

	// minting
	r.POST(basePath+"/bitwork/check", s.checkBitwork)
	r.POST(basePath+"/mint/build", s.buildMint)
	r.GET(basePath+"/mint/job/:id", s.getMintJob)
	r.POST(basePath+"/mint/job/:id/cancel", s.cancelMintJob)

	// settlement recovery
	r.GET(basePath+"/broadcast/pending", s.getPendingBroadcasts)
	r.POST(basePath+"/broadcast/resubmit/:txid", s.resubmit)
}

// Close stops running mint jobs.
func (s *Service) Close() {
	s.model.Close()
}
