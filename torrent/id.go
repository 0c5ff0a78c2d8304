package torrent

import (
	"crypto/rand"
	"errors"
	"io/fs"
	"os"
)

var emptyBytes [20]byte

// GetOrCreatePeerID keeps the client peer id stable across restarts.
func GetOrCreatePeerID(p string) ([20]byte, error) {
	idb, err := os.ReadFile(p)
	if err == nil && len(idb) == 20 {
		var out [20]byte
		copy(out[:], idb)

		return out, nil
	}

	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return emptyBytes, err
	}

	var out [20]byte
	if _, err := rand.Read(out[:]); err != nil {
		return emptyBytes, err
	}

	return out, os.WriteFile(p, out[:], 0o644)
}
