package config

import (
	"errors"
	"fmt"
	"strings"
)

// Root is the main yaml config object
type Root struct {
	HTTPGlobal *HTTPGlobal    `yaml:"http"`
	Log        *Log           `yaml:"log"`
	Library    *Library       `yaml:"library"`
	Torrent    *TorrentGlobal `yaml:"torrent"`
	Storage    *Storage       `yaml:"storage"`
	Fetch      *Fetch         `yaml:"fetch"`
	Metadata   *Metadata      `yaml:"metadata"`
}

type Log struct {
	Debug      bool   `yaml:"debug"`
	MaxBackups int    `yaml:"max_backups"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	Path       string `yaml:"path"`
}

type HTTPGlobal struct {
	Port int    `yaml:"port"`
	IP   string `yaml:"ip"`
}

// Library points at the JSON document and the managed upload directory.
type Library struct {
	Path      string `yaml:"path"`
	UploadDir string `yaml:"upload_dir"`
}

type TorrentGlobal struct {
	ReadTimeout       int     `yaml:"read_timeout,omitempty"`
	GlobalCacheSize   int64   `yaml:"global_cache_size,omitempty"`
	MetadataFolder    string  `yaml:"metadata_folder,omitempty"`
	DisableIPv6       bool    `yaml:"disable_ipv6,omitempty"`
	DisableTCP        bool    `yaml:"disable_tcp,omitempty"`
	DisableUTP        bool    `yaml:"disable_utp,omitempty"`
	IP                string  `yaml:"ip,omitempty"`
	ListenPort        int     `yaml:"listen_port,omitempty"`
	DownloadLimitMbit float64 `yaml:"download_limit_mbit,omitempty"`
	UploadLimitMbit   float64 `yaml:"upload_limit_mbit,omitempty"`
	ReadaheadMB       int     `yaml:"readahead_mb,omitempty"`

	// MetadataTimeout in seconds, 0 waits forever.
	MetadataTimeout        int `yaml:"metadata_timeout,omitempty"`
	ReadyTimeout           int `yaml:"ready_timeout,omitempty"`
	ReclaimIntervalMinutes int `yaml:"reclaim_interval_minutes,omitempty"`
	IdleAfterMinutes       int `yaml:"idle_after_minutes,omitempty"`

	// WatchFolder holds movies/ and shows/ drop folders for .torrent files.
	WatchFolder string `yaml:"watch_folder,omitempty"`
}

type Storage struct {
	UsageRefreshMinutes    int        `yaml:"usage_refresh_minutes,omitempty"`
	SignedURLExpiryMinutes int        `yaml:"signed_url_expiry_minutes,omitempty"`
	Backends               []*Backend `yaml:"backends,omitempty"`
}

// Backend is one storage target. Order in the list is placement priority.
type Backend struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind"`
	Path      string  `yaml:"path,omitempty"`
	Endpoint  string  `yaml:"endpoint,omitempty"`
	Bucket    string  `yaml:"bucket,omitempty"`
	Region    string  `yaml:"region,omitempty"`
	AccessKey string  `yaml:"access_key,omitempty"`
	SecretKey string  `yaml:"secret_key,omitempty"`
	UseSSL    bool    `yaml:"use_ssl,omitempty"`
	// CapacityGB of 0 means unlimited.
	CapacityGB float64 `yaml:"capacity_gb,omitempty"`
}

type Fetch struct {
	Concurrency int    `yaml:"concurrency,omitempty"`
	UserAgent   string `yaml:"user_agent,omitempty"`
	// TimeoutSeconds bounds a whole download, body included.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

type Metadata struct {
	TMDBAPIKey    string `yaml:"tmdb_api_key,omitempty"`
	BaseURL       string `yaml:"base_url,omitempty"`
	CacheTTLHours int    `yaml:"cache_ttl_hours,omitempty"`
}

func AddDefaults(r *Root) *Root {
	if r.Torrent == nil {
		r.Torrent = &TorrentGlobal{}
	}

	if r.Torrent.ReadTimeout == 0 {
		r.Torrent.ReadTimeout = 120
	}

	if r.Torrent.GlobalCacheSize == 0 {
		r.Torrent.GlobalCacheSize = 2048 // 2GB
	}

	if r.Torrent.ReadaheadMB == 0 {
		r.Torrent.ReadaheadMB = 2
	}

	if r.Torrent.MetadataFolder == "" {
		r.Torrent.MetadataFolder = metadataFolder
	}

	if r.Torrent.ReadyTimeout == 0 {
		r.Torrent.ReadyTimeout = 30
	}

	if r.Torrent.ReclaimIntervalMinutes == 0 {
		r.Torrent.ReclaimIntervalMinutes = 5
	}

	if r.Torrent.IdleAfterMinutes == 0 {
		r.Torrent.IdleAfterMinutes = 30
	}

	if r.HTTPGlobal == nil {
		r.HTTPGlobal = &HTTPGlobal{}
	}

	if r.HTTPGlobal.IP == "" {
		r.HTTPGlobal.IP = "0.0.0.0"
	}

	if r.HTTPGlobal.Port == 0 {
		r.HTTPGlobal.Port = 3000
	}

	if r.Log == nil {
		r.Log = &Log{}
	}

	if r.Library == nil {
		r.Library = &Library{}
	}

	if r.Library.Path == "" {
		r.Library.Path = libraryFile
	}

	if r.Library.UploadDir == "" {
		r.Library.UploadDir = uploadFolder
	}

	if r.Storage == nil {
		r.Storage = &Storage{}
	}

	if r.Storage.UsageRefreshMinutes == 0 {
		r.Storage.UsageRefreshMinutes = 60
	}

	if r.Storage.SignedURLExpiryMinutes == 0 {
		r.Storage.SignedURLExpiryMinutes = 60
	}

	if r.Fetch == nil {
		r.Fetch = &Fetch{}
	}

	if r.Fetch.Concurrency == 0 {
		r.Fetch.Concurrency = 4
	}

	if r.Fetch.UserAgent == "" {
		r.Fetch.UserAgent = "skyeupload"
	}

	if r.Fetch.TimeoutSeconds == 0 {
		r.Fetch.TimeoutSeconds = 6 * 60 * 60
	}

	if r.Metadata == nil {
		r.Metadata = &Metadata{}
	}

	if r.Metadata.BaseURL == "" {
		r.Metadata.BaseURL = "https://api.themoviedb.org"
	}

	if r.Metadata.CacheTTLHours == 0 {
		r.Metadata.CacheTTLHours = 24
	}

	return r
}

// Validate checks the storage backend list. It expects defaults to be
// applied.
func (r *Root) Validate() error {
	var errs []error
	names := make(map[string]bool)
	locals := 0

	for i, b := range r.Storage.Backends {
		if b == nil {
			errs = append(errs, fmt.Errorf("storage.backends[%d]: empty entry", i))
			continue
		}
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("storage.backends[%d]: name is required", i))
		} else if names[b.Name] {
			errs = append(errs, fmt.Errorf("storage.backends[%d]: duplicate name %q", i, b.Name))
		}
		names[b.Name] = true

		if b.CapacityGB < 0 {
			errs = append(errs, fmt.Errorf("storage.backends[%d]: capacity_gb must not be negative", i))
		}

		switch strings.ToLower(b.Kind) {
		case "local":
			locals++
		case "s3":
			var missing []string
			for _, f := range [][2]string{
				{"endpoint", b.Endpoint},
				{"bucket", b.Bucket},
				{"access_key", b.AccessKey},
				{"secret_key", b.SecretKey},
			} {
				if f[1] == "" {
					missing = append(missing, f[0])
				}
			}
			if len(missing) > 0 {
				errs = append(errs, fmt.Errorf("storage.backends[%d] (%s): missing %s", i, b.Name, strings.Join(missing, ", ")))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.backends[%d] (%s): unknown kind %q", i, b.Name, b.Kind))
		}
		b.Kind = strings.ToLower(b.Kind)
	}

	if locals > 1 {
		errs = append(errs, errors.New("storage.backends: at most one local backend is supported"))
	}

	if r.Fetch.Concurrency < 0 {
		errs = append(errs, errors.New("fetch.concurrency must not be negative"))
	}

	if r.Fetch.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("fetch.timeout_seconds must not be negative"))
	}

	return errors.Join(errs...)
}
