package torrent

import (
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/dht/v2"
	tlog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jkaberg/skyeupload/config"
	dlog "github.com/jkaberg/skyeupload/log"
)

func NewClient(st storage.ClientImpl, cfg *config.TorrentGlobal, id [20]byte) (*torrent.Client, error) {
	torrentCfg := torrent.NewDefaultClientConfig()
	torrentCfg.Seed = true
	torrentCfg.PeerID = string(id[:])
	torrentCfg.DefaultStorage = st
	if cfg.ListenPort > 0 {
		torrentCfg.ListenPort = cfg.ListenPort
	}
	torrentCfg.DisableIPv6 = cfg.DisableIPv6
	torrentCfg.DisableTCP = cfg.DisableTCP
	torrentCfg.DisableUTP = cfg.DisableUTP

	if cfg.IP != "" {
		ip := net.ParseIP(cfg.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid provided IP: %q", cfg.IP)
		}

		torrentCfg.PublicIp4 = ip
	}

	l := log.Logger.With().Str("component", "torrent-client").Logger()

	tl := tlog.NewLogger()
	tl.SetHandlers(&dlog.Torrent{L: l})
	torrentCfg.Logger = tl

	torrentCfg.ConfigureAnacrolixDhtServer = func(cfg *dht.ServerConfig) {
		cfg.Exp = 2 * time.Hour
		cfg.NoSecurity = false
	}

	torrentCfg.DownloadRateLimiter = NewLimiter(cfg.DownloadLimitMbit)
	torrentCfg.UploadRateLimiter = NewLimiter(cfg.UploadLimitMbit)

	return torrent.NewClient(torrentCfg)
}

// NewLimiter converts a Mbit/s limit into a byte rate limiter. 0 is
// unlimited.
func NewLimiter(mbit float64) *rate.Limiter {
	if mbit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	bps := rate.Limit(mbit * 125_000)
	return rate.NewLimiter(bps, int(bps))
}
