package torrent

import (
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

type stat struct {
	totalDownloadBytes int64
	totalUploadBytes   int64
	downloadRate       float64
	uploadRate         float64
	peers              int
	seeders            int
	time               time.Time
}

type transfer struct {
	DownloadRate float64
	UploadRate   float64
	Peers        int
	Seeders      int
}

// Stats derives transfer rates from the cumulative counters of each
// torrent. Samples closer than gap are served from the previous one.
type Stats struct {
	mut           sync.Mutex
	previousStats map[string]*stat
	now           func() time.Time
}

func NewStats() *Stats {
	return &Stats{
		previousStats: make(map[string]*stat),
		now:           time.Now,
	}
}

func (s *Stats) Del(hash string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.previousStats, hash)
}

func (s *Stats) transfer(t *torrent.Torrent) transfer {
	st := t.Stats()
	return s.sample(t.InfoHash().HexString(), st.BytesReadData.Int64(), st.BytesWrittenData.Int64(), st.TotalPeers, st.ConnectedSeeders)
}

func (s *Stats) sample(hash string, read, written int64, peers, seeders int) transfer {
	s.mut.Lock()
	defer s.mut.Unlock()

	now := s.now()
	prev, ok := s.previousStats[hash]
	if !ok {
		s.previousStats[hash] = &stat{
			totalDownloadBytes: read,
			totalUploadBytes:   written,
			peers:              peers,
			seeders:            seeders,
			time:               now,
		}
		return transfer{Peers: peers, Seeders: seeders}
	}

	if now.Sub(prev.time) < gap {
		return transfer{DownloadRate: prev.downloadRate, UploadRate: prev.uploadRate, Peers: prev.peers, Seeders: prev.seeders}
	}

	secs := now.Sub(prev.time).Seconds()
	ist := &stat{
		totalDownloadBytes: read,
		totalUploadBytes:   written,
		downloadRate:       float64(read-prev.totalDownloadBytes) / secs,
		uploadRate:         float64(written-prev.totalUploadBytes) / secs,
		peers:              peers,
		seeders:            seeders,
		time:               now,
	}
	s.previousStats[hash] = ist

	return transfer{DownloadRate: ist.downloadRate, UploadRate: ist.uploadRate, Peers: peers, Seeders: seeders}
}

const gap time.Duration = 300 * time.Millisecond
