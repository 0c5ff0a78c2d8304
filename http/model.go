package http

import (
	"github.com/jkaberg/skyeupload/library"
	"github.com/jkaberg/skyeupload/torrent"
)

type Error struct {
	Error string `json:"error"`
}

type Message struct {
	Message string `json:"message"`
}

// UploadForm is bound from multipart, url-encoded or JSON bodies.
type UploadForm struct {
	Title      string `form:"title" json:"title"`
	Type       string `form:"type" json:"type"`
	SourceType string `form:"source_type" json:"source_type"`
	URL        string `form:"url" json:"url"`
	BatchLinks string `form:"batch_links" json:"batch_links"`
}

type Accepted struct {
	Message  string `json:"message"`
	Accepted int    `json:"accepted"`
	InfoHash string `json:"infoHash,omitempty"`
}

type RequestCreate struct {
	Title   string `form:"title" json:"title"`
	Details string `form:"details" json:"details"`
}

type Hosted struct {
	Movies  int `json:"movies"`
	TVShows int `json:"tvShows"`
}

type CacheInfo struct {
	Items      int   `json:"items"`
	FilledMB   int64 `json:"filledMB"`
	CapacityMB int64 `json:"capacityMB"`
}

type Status struct {
	Status          string                  `json:"status"`
	Version         string                  `json:"version"`
	Uptime          string                  `json:"uptime"`
	UptimeSeconds   int64                   `json:"uptimeSeconds"`
	RequestsPending int                     `json:"requestsPending"`
	Hosted          Hosted                  `json:"hosted"`
	Torrents        []torrent.TorrentStatus `json:"torrents"`
	StorageUsage    library.UsageSnapshot   `json:"storageUsage"`
	Cache           CacheInfo               `json:"cache"`
}
