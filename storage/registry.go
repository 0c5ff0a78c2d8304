package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jkaberg/skyeupload/config"
)

const bytesPerGB = 1 << 30

// Registry holds the configured backends in placement priority order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	backends map[string]Backend
	capacity map[string]int64
	local    *Local
}

func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		capacity: make(map[string]int64),
	}
}

// Register appends b at the lowest priority. capacity is in bytes, 0 means
// unlimited.
func (r *Registry) Register(b Backend, capacity int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.backends[b.Name()]; ok {
		return fmt.Errorf("backend %q registered twice", b.Name())
	}
	if l, ok := b.(*Local); ok {
		if r.local != nil {
			return fmt.Errorf("backend %q: only one local backend is supported", b.Name())
		}
		r.local = l
	}

	r.order = append(r.order, b.Name())
	r.backends[b.Name()] = b
	r.capacity[b.Name()] = capacity
	return nil
}

// NewRegistryFromConfig builds every configured backend. A configuration
// without backends gets a single local one on the upload directory.
func NewRegistryFromConfig(c *config.Storage, uploadDir string) (*Registry, error) {
	r := NewRegistry()

	if len(c.Backends) == 0 {
		l, err := NewLocal("local", uploadDir)
		if err != nil {
			return nil, err
		}
		return r, r.Register(l, 0)
	}

	for _, bc := range c.Backends {
		var (
			b   Backend
			err error
		)
		switch Kind(bc.Kind) {
		case KindLocal:
			root := bc.Path
			if root == "" {
				root = uploadDir
			}
			b, err = NewLocal(bc.Name, root)
		case KindS3:
			b, err = NewS3(bc.Name, S3Options{
				Endpoint:  bc.Endpoint,
				Bucket:    bc.Bucket,
				Region:    bc.Region,
				AccessKey: bc.AccessKey,
				SecretKey: bc.SecretKey,
				UseSSL:    bc.UseSSL,
			})
		default:
			err = fmt.Errorf("backend %q: unknown kind %q", bc.Name, bc.Kind)
		}
		if err != nil {
			return nil, err
		}
		if err := r.Register(b, int64(bc.CapacityGB*bytesPerGB)); err != nil {
			return nil, err
		}
		log.Info().Str("component", "storage").Str("backend", bc.Name).Str("kind", bc.Kind).Float64("capacity_gb", bc.CapacityGB).Msg("storage backend registered")
	}

	if r.local == nil {
		// batch downloads always land on local disk
		l, err := NewLocal("local", uploadDir)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.local = l
		r.backends[l.Name()] = l
		r.mu.Unlock()
	}

	return r, nil
}

func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Local returns the local backend, or nil when none is registered.
func (r *Registry) Local() *Local {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// Order returns the names of placement candidates by priority.
func (r *Registry) Order() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.order...)
}

func (r *Registry) Capacities() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.capacity))
	for k, v := range r.capacity {
		out[k] = v
	}
	return out
}

// All returns every backend, including a local one that only serves batch
// downloads.
func (r *Registry) All() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, n := range r.order {
		out = append(out, r.backends[n])
	}
	if r.local != nil {
		if _, ok := r.capacity[r.local.Name()]; !ok {
			out = append(out, r.local)
		}
	}
	return out
}

// Choose applies ChooseBackend to the registered candidates.
func (r *Registry) Choose(usage map[string]int64) (Backend, error) {
	name, err := ChooseBackend(r.Order(), usage, r.Capacities())
	if err != nil {
		return nil, err
	}
	b, _ := r.Get(name)
	return b, nil
}

// TotalStoredBytes lists every backend. Failed backends are reported in
// errs and left out of the snapshot.
func (r *Registry) TotalStoredBytes(ctx context.Context) (map[string]int64, map[string]error) {
	out := make(map[string]int64)
	errs := make(map[string]error)
	for _, b := range r.All() {
		n, err := b.TotalStoredBytes(ctx)
		if err != nil {
			errs[b.Name()] = err
			continue
		}
		out[b.Name()] = n
	}
	return out, errs
}
