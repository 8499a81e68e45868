package config

import (
	"fmt"
	"time"

	"github.com/sat20-labs/atomicals-market/common"
	"github.com/sirupsen/logrus"
)

const (
	marketLogName = "market"
	marketLogAge  = 30 * 24 * time.Hour
)

// InitLog sends common.Log to market.log under conf.Log.Path and to stdout.
func InitLog(conf *YamlConf) error {
	lvl, err := logrus.ParseLevel(conf.Log.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %v", conf.Log.Level, err)
	}
	w, err := common.NewRotateWriter(conf.Log.Path, marketLogName, marketLogAge)
	if err != nil {
		return err
	}
	common.Log.SetOutput(w)
	common.Log.SetLevel(lvl)
	common.Log.Debugf("%s market logging at %s to %s", conf.Chain, lvl, conf.Log.Path)
	return nil
}
