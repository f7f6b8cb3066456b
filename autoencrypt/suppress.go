package autoencrypt

import (
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/text/unicode/norm"
)

const defaultSuppressTTL = time.Minute

// Suppressor remembers paths the pipeline produced itself, so the creation
// notifications they trigger are not processed again.
type Suppressor struct {
	cache *ttlcache.Cache[string, struct{}]
}

// NewSuppressor creates a suppressor whose entries expire after ttl.
func NewSuppressor(ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = defaultSuppressTTL
	}
	return &Suppressor{
		cache: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Start runs the expiry loop. Blocks until Stop.
func (s *Suppressor) Start() {
	s.cache.Start()
}

// Stop ends the expiry loop.
func (s *Suppressor) Stop() {
	s.cache.Stop()
}

// Mark suppresses path for the configured TTL.
func (s *Suppressor) Mark(path string) {
	s.cache.Set(suppressKey(path), struct{}{}, ttlcache.DefaultTTL)
}

// Suppressed reports whether path was marked and has not expired.
func (s *Suppressor) Suppressed(path string) bool {
	return s.cache.Has(suppressKey(path))
}

// suppressKey normalizes to NFC so that names reported in decomposed form
// (HFS+, some SMB shares) match the form we created them in.
func suppressKey(path string) string {
	return norm.NFC.String(filepath.Clean(path))
}
