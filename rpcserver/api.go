package rpcserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/rpcserver/wire"
)

type RateLimit struct {
	limit *limiter.Limiter

	mu       sync.Mutex
	day      time.Time
	reqCount int
}

// count records a request and reports whether the daily quota allows it.
func (l *RateLimit) count(perDay int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	if !l.day.Equal(today) {
		l.day = today
		l.reqCount = 0
	}
	l.reqCount++
	return l.reqCount <= perDay
}

// InitApiConf installs the api key table. With load set the table is
// refreshed every interval until Stop.
func (s *Rpc) InitApiConf(api *wire.API, load func() (*wire.API, error), interval time.Duration) error {
	s.setApiConf(api)
	if load == nil || interval <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopReload = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				api, err := load()
				if err != nil {
					common.Log.Errorf("rpc.InitApiConf-> reload api conf error: %v", err)
					continue
				}
				s.setApiConf(api)
			}
		}
	}()
	return nil
}

func (s *Rpc) setApiConf(api *wire.API) {
	s.apiConfMutex.Lock()
	defer s.apiConfMutex.Unlock()
	s.api = api
	// limits are rebuilt from the new table
	s.apiLimitMap.Range(func(k, _ any) bool {
		s.apiLimitMap.Delete(k)
		return true
	})
	s.initApiConf = api != nil && len(api.APIKeyList) > 0
}

func localIps() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(addrs)+1)
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && ipNet.IP.To4() != nil {
			ips = append(ips, ipNet.IP.String())
		}
	}
	return append(ips, "localhost"), nil
}

func (s *Rpc) applyApiConf(r *gin.Engine, basePath string) error {
	localIpList, err := localIps()
	if err != nil {
		return err
	}

	r.Use(func(c *gin.Context) {
		s.apiConfMutex.Lock()
		api, enabled := s.api, s.initApiConf
		s.apiConfMutex.Unlock()
		if !enabled {
			c.Next()
			return
		}
		for _, ip := range localIpList {
			if strings.HasPrefix(c.Request.Host, ip) {
				c.Next()
				return
			}
		}
		for _, apiUrl := range api.NoLimitApiList {
			if basePath+apiUrl == c.Request.URL.Path {
				c.Next()
				return
			}
		}

		clientIp := c.ClientIP()
		common.Log.Debugf("authorization client Ip: %s", clientIp)
		for _, host := range api.NoLimitHostList {
			if clientIp == host {
				c.Next()
				return
			}
		}

		authorization := c.GetHeader("Authorization")
		apiKey := api.APIKeyList[authorization]
		if apiKey == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API Key"})
			c.Abort()
			return
		}
		if apiKey.RateLimit == nil || apiKey.RateLimit.PerSecond == 0 || apiKey.RateLimit.PerDay == 0 {
			c.Next()
			return
		}

		v, ok := s.apiLimitMap.Load(authorization)
		if !ok {
			lmt := tollbooth.NewLimiter(float64(apiKey.RateLimit.PerSecond), &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
			lmt.SetMax(float64(apiKey.RateLimit.Max))
			lmt.SetBurst(apiKey.RateLimit.Burst)
			lmt.SetTokenBucketExpirationTTL(time.Minute)
			v, _ = s.apiLimitMap.LoadOrStore(authorization, &RateLimit{limit: lmt})
		}
		rateLimit := v.(*RateLimit)

		if !rateLimit.count(apiKey.RateLimit.PerDay) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		httpError := tollbooth.LimitByRequest(rateLimit.limit, c.Writer, c.Request)
		if httpError != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	})

	return nil
}
