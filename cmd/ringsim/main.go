package main

import (
	"github.com/danmuck/token_ring/cmd/internal/logcfg"
	logs "github.com/danmuck/smplog"
	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"
)

func main() {
	// .env may carry SMPLOG_CONFIG and RINGSIM_CONFIG, so it loads first
	envErr := godotenv.Load()

	logCfg, source := logcfg.Load()
	logs.Configure(logCfg)
	logs.Debugf("log config: %s", source)
	if envErr == nil {
		logs.Debugf("loaded .env")
	}

	if err := newRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
