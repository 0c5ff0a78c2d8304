package log

import (
	"strings"

	"github.com/anacrolix/log"
	"github.com/rs/zerolog"
)

var _ log.Handler = &Torrent{}

// noisy messages are expected under normal swarm churn.
var noisy = []string{
	"webrtc PeerConnection state changed",
	"unhandled announce response",
	"error announcing",
}

// Torrent routes anacrolix/log records into zerolog.
type Torrent struct {
	L zerolog.Logger
}

func (l *Torrent) Handle(r log.Record) {
	msg := r.Text()
	for _, n := range noisy {
		if strings.Contains(msg, n) {
			l.L.Debug().Msg(msg)
			return
		}
	}

	var e *zerolog.Event
	switch r.Level {
	case log.Debug:
		e = l.L.Debug()
	case log.Info:
		e = l.L.Debug().Str("error-type", "info")
	case log.Warning:
		e = l.L.Warn()
	case log.Error:
		e = l.L.Warn().Str("error-type", "error")
	case log.Critical:
		e = l.L.Warn().Str("error-type", "critical")
	default:
		e = l.L.Info()
	}

	e.Msg(msg)
}
