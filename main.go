package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sat20-labs/atomicals-market/cache"
	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/config"
	"github.com/sat20-labs/atomicals-market/electrumx"
	"github.com/sat20-labs/atomicals-market/pow"
	"github.com/sat20-labs/atomicals-market/rpcserver"
	"github.com/sat20-labs/atomicals-market/rpcserver/wire"
	"github.com/sat20-labs/atomicals-market/share/bitcoin_rpc"
	"github.com/sat20-labs/atomicals-market/store"
	"github.com/sat20-labs/atomicals-market/store/kvdb"
	"github.com/sat20-labs/atomicals-market/swap"
)

func init() {
	config.InitSigInt()
}

func main() {
	configFile := config.ConfigPath(os.Args)
	yamlcfg, err := config.InitConfig(configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := config.InitLog(yamlcfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	common.Log.Infof("Starting atomicals market %s on %s...", common.MARKET_VERSION, yamlcfg.Chain)
	defer func() {
		config.ReleaseRes()
		common.Log.Info("shut down")
	}()

	st, err := InitStore(yamlcfg)
	if err != nil {
		common.Log.Error(err)
		return
	}
	config.RegistReleaseFunc(func() {
		if err := st.Close(); err != nil {
			common.Log.Errorf("close store: %v", err)
		}
	})

	memCache := cache.NewMemCache()
	config.RegistReleaseFunc(memCache.Close)

	indexer := electrumx.NewClient(yamlcfg.Indexer.URL, yamlcfg.Indexer.Timeout)
	broadcaster, err := InitBroadcaster(yamlcfg, indexer)
	if err != nil {
		common.Log.Error(err)
		return
	}

	market := yamlcfg.Market
	swapService, err := swap.NewService(swap.Config{
		Network:            yamlcfg.Chain,
		PlatformAddress:    market.PlatformAddress,
		ServiceFeePermille: market.ServiceFeePermille,
		MinServiceFee:      market.MinServiceFee,
		ListLockTTL:        market.ListLockTTL,
		BuyLockTTL:         market.BuyLockTTL,
		QuoteTTL:           market.QuoteTTL,
		BroadcastAttempts:  yamlcfg.Broadcast.Attempts,
		BroadcastDelay:     yamlcfg.Broadcast.Delay,
	}, st, memCache, indexer, broadcaster)
	if err != nil {
		common.Log.Error(err)
		return
	}

	rpc, err := InitRpcService(yamlcfg, configFile, swapService)
	if err != nil {
		common.Log.Error(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go swapService.RunResubmitter(ctx, yamlcfg.Broadcast.ResubmitInterval)

	stopChan := make(chan bool, 1)
	config.RegistSigIntFunc(func() {
		common.Log.Info("handle SIGINT for close market")
		stopChan <- true
	})
	common.Log.Info("market started")
	<-stopChan

	common.Log.Info("prepare to release resource...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := rpc.Stop(shutdownCtx); err != nil {
		common.Log.Errorf("stop rpc: %v", err)
	}
}

func InitStore(conf *config.YamlConf) (store.Store, error) {
	if conf.DB.Driver == config.DriverSQLite {
		return store.OpenSQLite(conf.DB.Path)
	}
	db, err := kvdb.NewKVDB(conf.DB.Driver, conf.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s at %s: %v", conf.DB.Driver, conf.DB.Path, err)
	}
	return store.NewKVStore(db), nil
}

func InitBroadcaster(conf *config.YamlConf, indexer *electrumx.Client) (common.Broadcaster, error) {
	if conf.Broadcast.Via != config.BroadcastViaBitcoind {
		return indexer, nil
	}
	btc := conf.ShareRPC.Bitcoin
	rpc, err := bitcoin_rpc.NewBitcoindRPC(btc.Host, btc.Port, btc.User, btc.Password, false)
	if err != nil {
		return nil, err
	}
	return bitcoin_rpc.NewBroadcaster(rpc), nil
}

func InitRpcService(conf *config.YamlConf, configFile string, swapService *swap.Service) (*rpcserver.Rpc, error) {
	rpc := rpcserver.NewRpc(swapService, pow.Options{
		Workers:        conf.Mint.Workers,
		SequenceSpace:  conf.Mint.SequenceSpace,
		ReportInterval: conf.Mint.ReportInterval,
	})
	reload := func() (*wire.API, error) {
		cfg, err := config.LoadYamlConf(configFile)
		if err != nil {
			return nil, err
		}
		return &cfg.RPCService.API, nil
	}
	if err := rpc.Start(&conf.RPCService, reload, conf.Market.ApiReload); err != nil {
		return nil, err
	}
	common.Log.Info("rpc started")
	return rpc, nil
}
