package rpcserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/pow"
	"github.com/sat20-labs/atomicals-market/rpcserver/market"
	"github.com/sat20-labs/atomicals-market/rpcserver/wire"
	"github.com/sat20-labs/atomicals-market/swap"
)

const (
	STRICT_TRANSPORT_SECURITY   = "strict-transport-security"
	CONTENT_SECURITY_POLICY     = "content-security-policy"
	VARY                        = "vary"
	ACCESS_CONTROL_ALLOW_ORIGIN = "access-control-allow-origin"
)

const (
	accessLogName = "market.rpc"
	accessLogAge  = 7 * 24 * time.Hour
)

type Rpc struct {
	marketService *market.Service
	server        *http.Server

	apiConfMutex sync.Mutex
	api          *wire.API
	initApiConf  bool
	apiLimitMap  sync.Map
	stopReload   context.CancelFunc
}

func NewRpc(swapService *swap.Service, mintOpts pow.Options) *Rpc {
	return &Rpc{
		marketService: market.NewService(swapService, mintOpts),
	}
}

// Handler builds the gin engine with every route under proxy.
func (s *Rpc) Handler(proxy string) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(gin.DefaultWriter), gin.Recovery())

	config := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	config.OptionsResponseStatusCode = 200
	r.Use(cors.New(config))

	if err := s.applyApiConf(r, proxy); err != nil {
		return nil, err
	}

	// common header
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set(VARY, "Origin")
		c.Writer.Header().Add(VARY, "Access-Control-Request-Method")
		c.Writer.Header().Add(VARY, "Access-Control-Request-Headers")

		c.Writer.Header().Del(CONTENT_SECURITY_POLICY)
		c.Writer.Header().Set(CONTENT_SECURITY_POLICY, "default-src 'self'")
		c.Writer.Header().Set(STRICT_TRANSPORT_SECURITY, "max-age=31536000; includeSubDomains; preload")
		c.Writer.Header().Set(ACCESS_CONTROL_ALLOW_ORIGIN, "*")
		c.Next()
	})

	s.marketService.InitRouter(r, proxy)
	return r, nil
}

// Start serves the market api on conf.Addr in the background. The api key
// table is reloaded with loadApi every reload interval when loadApi is set.
func (s *Rpc) Start(conf *wire.RPCService, loadApi func() (*wire.API, error), reload time.Duration) error {
	gin.SetMode(gin.ReleaseMode)
	w, err := common.NewRotateWriter(conf.LogPath, accessLogName, accessLogAge)
	if err != nil {
		return err
	}
	gin.DefaultWriter = w

	if err := s.InitApiConf(&conf.API, loadApi, reload); err != nil {
		return err
	}
	r, err := s.Handler(conf.Proxy)
	if err != nil {
		return err
	}

	addr := conf.Addr
	parts := strings.Split(addr, ":")
	var port string
	if len(parts) < 2 {
		addr += ":80"
		port = "80"
	} else {
		port = parts[len(parts)-1]
	}
	if err := checkPort(port); err != nil {
		return err
	}

	s.server = &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Errorf("rpc server stopped: %v", err)
		}
	}()
	common.Log.Infof("rpc server listening on %s%s", addr, conf.Proxy)
	return nil
}

// Stop cancels running mint jobs and shuts the server down.
func (s *Rpc) Stop(ctx context.Context) error {
	if s.stopReload != nil {
		s.stopReload()
	}
	s.marketService.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func checkPort(port string) error {
	addr := fmt.Sprintf(":%s", port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s is in use: %v", port, err)
	}
	l.Close()
	return nil
}
