package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sat20-labs/atomicals-market/rpcserver/wire"
	"github.com/sat20-labs/atomicals-market/store/kvdb"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	BroadcastViaElectrumx = "electrumx"
	BroadcastViaBitcoind  = "bitcoind"

	DriverSQLite = "sqlite"
)

type YamlConf struct {
	Chain      string          `yaml:"chain"`
	DB         DB              `yaml:"db"`
	Indexer    Indexer         `yaml:"indexer"`
	ShareRPC   ShareRPC        `yaml:"share_rpc"`
	Broadcast  Broadcast       `yaml:"broadcast"`
	Log        Log             `yaml:"log"`
	RPCService wire.RPCService `yaml:"rpc_service"`
	Market     Market          `yaml:"market"`
	Mint       Mint            `yaml:"mint"`
}

type DB struct {
	// Driver is pebble, leveldb or sqlite.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type Indexer struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ShareRPC struct {
	Bitcoin Bitcoin `yaml:"bitcoin"`
}

type Bitcoin struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Broadcast struct {
	Via              string        `yaml:"via"`
	Attempts         uint          `yaml:"attempts"`
	Delay            time.Duration `yaml:"delay"`
	ResubmitInterval time.Duration `yaml:"resubmit_interval"`
}

type Log struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type Market struct {
	PlatformAddress    string        `yaml:"platform_address"`
	ServiceFeePermille int64         `yaml:"service_fee_permille"`
	MinServiceFee      int64         `yaml:"min_service_fee"`
	ListLockTTL        time.Duration `yaml:"list_lock_ttl"`
	BuyLockTTL         time.Duration `yaml:"buy_lock_ttl"`
	QuoteTTL           time.Duration `yaml:"quote_ttl"`
	// ApiReload is how often the api key table is re-read from the file.
	ApiReload time.Duration `yaml:"api_reload"`
}

type Mint struct {
	Workers        int    `yaml:"workers"`
	SequenceSpace  uint64 `yaml:"sequence_space"`
	ReportInterval uint64 `yaml:"report_interval"`
}

func GetBaseDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "./."
	}
	return filepath.Dir(execPath)
}

// ConfigPath resolves the config file from the -env flag, defaulting to
// ./.env next to the executable.
func ConfigPath(args []string) string {
	configFile := ""
	for i, item := range args {
		if item == "-env" && i+1 < len(args) {
			configFile = args[i+1]
			break
		}
	}
	if configFile == "" {
		configFile = "./.env"
	}
	if !filepath.IsAbs(configFile) {
		configFile = filepath.Join(GetBaseDir(), configFile)
	}
	return configFile
}

func InitConfig(configFile string) (*YamlConf, error) {
	if configFile == "" {
		configFile = ConfigPath(os.Args)
	}
	fmt.Printf("config file: %s\n", configFile)
	return LoadYamlConf(configFile)
}

func LoadYamlConf(cfgPath string) (*YamlConf, error) {
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cfg: %s, error: %s", cfgPath, err)
	}
	ret, err := ParseYamlConf(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cfg: %s, error: %s", cfgPath, err)
	}
	return ret, nil
}

func ParseYamlConf(data []byte) (*YamlConf, error) {
	ret := &YamlConf{}
	if err := yaml.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	if err := ret.applyDefaults(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (ret *YamlConf) applyDefaults() error {
	if ret.Chain == "" {
		ret.Chain = common.ChainMainnet
	}
	if _, err := common.ChainParams(ret.Chain); err != nil {
		return err
	}

	if _, err := logrus.ParseLevel(ret.Log.Level); err != nil {
		ret.Log.Level = "info"
	}
	if ret.Log.Path == "" {
		ret.Log.Path = "log"
	}
	ret.Log.Path = filepath.FromSlash(ret.Log.Path)

	switch ret.DB.Driver {
	case kvdb.DriverPebble, kvdb.DriverLevelDB, kvdb.DriverMemory, DriverSQLite:
	default:
		ret.DB.Driver = kvdb.DriverPebble
	}
	if ret.DB.Path == "" {
		ret.DB.Path = "db"
	}
	ret.DB.Path = filepath.FromSlash(ret.DB.Path)

	if ret.Indexer.URL == "" {
		return fmt.Errorf("indexer.url is required")
	}
	if ret.Indexer.Timeout <= 0 {
		ret.Indexer.Timeout = 30 * time.Second
	}

	switch ret.Broadcast.Via {
	case BroadcastViaElectrumx, BroadcastViaBitcoind:
	default:
		ret.Broadcast.Via = BroadcastViaElectrumx
	}
	if ret.Broadcast.Via == BroadcastViaBitcoind && ret.ShareRPC.Bitcoin.Host == "" {
		return fmt.Errorf("broadcast via bitcoind needs share_rpc.bitcoin.host")
	}
	if ret.Broadcast.Attempts == 0 {
		ret.Broadcast.Attempts = 3
	}
	if ret.Broadcast.Delay <= 0 {
		ret.Broadcast.Delay = 2 * time.Second
	}
	if ret.Broadcast.ResubmitInterval <= 0 {
		ret.Broadcast.ResubmitInterval = time.Minute
	}

	rpcService := &ret.RPCService
	if rpcService.Addr == "" {
		rpcService.Addr = "0.0.0.0:80"
	}
	rpcService.Proxy = strings.TrimRight(rpcService.Proxy, "/")
	if rpcService.Proxy != "" && rpcService.Proxy[0] != '/' {
		rpcService.Proxy = "/" + rpcService.Proxy
	}
	if rpcService.LogPath == "" {
		rpcService.LogPath = "log"
	}

	market := &ret.Market
	if market.PlatformAddress == "" {
		return fmt.Errorf("market.platform_address is required")
	}
	if !common.IsValidAddr(market.PlatformAddress, ret.Chain) {
		return fmt.Errorf("market.platform_address %s is not a %s address", market.PlatformAddress, ret.Chain)
	}
	if market.ServiceFeePermille <= 0 {
		market.ServiceFeePermille = common.DefaultServiceFeePermille
	}
	if market.MinServiceFee <= 0 {
		market.MinServiceFee = common.DefaultMinServiceFee
	}
	if market.ListLockTTL <= 0 {
		market.ListLockTTL = common.DefaultListLockTTL
	}
	if market.BuyLockTTL <= 0 {
		market.BuyLockTTL = common.DefaultBuyLockTTL
	}
	if market.QuoteTTL <= 0 {
		market.QuoteTTL = common.DefaultQuoteTTL
	}
	if market.ApiReload <= 0 {
		market.ApiReload = 30 * time.Second
	}

	if ret.Mint.Workers < 0 {
		ret.Mint.Workers = 0
	}
	return nil
}
