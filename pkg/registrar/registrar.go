package registrar

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/transport"
)

// Registration is one address-of-record binding. The transport descriptor
// records how the endpoint was reached so in-dialog requests can be sent
// back the same way.
type Registration struct {
	AOR       string
	Contact   string
	Expiry    time.Time
	Transport transport.Destination
}

// Directory maps addresses-of-record to contact bindings. Expiry is lazy:
// an expired binding is treated as absent at lookup time and pruned on
// observation. An optional sweeper prunes proactively without changing the
// lookup contract.
type Directory struct {
	logger   *logrus.Logger
	mu       sync.RWMutex
	bindings map[string]Registration

	// nowFunc is replaceable in tests
	nowFunc func() time.Time
}

// NewDirectory creates an empty registration directory
func NewDirectory(logger *logrus.Logger) *Directory {
	return &Directory{
		logger:   logger,
		bindings: make(map[string]Registration),
		nowFunc:  time.Now,
	}
}

// Register upserts or removes a binding. A positive expiresSeconds refreshes
// the binding; zero removes it, silently succeeding when it was absent.
func (d *Directory) Register(aor, contact string, expiresSeconds int, dest transport.Destination) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if expiresSeconds <= 0 {
		if _, ok := d.bindings[aor]; ok {
			delete(d.bindings, aor)
			d.logger.WithField("aor", aor).Info("Registration removed")
		}
		return
	}

	d.bindings[aor] = Registration{
		AOR:       aor,
		Contact:   contact,
		Expiry:    d.nowFunc().Add(time.Duration(expiresSeconds) * time.Second),
		Transport: dest,
	}
	d.logger.WithFields(logrus.Fields{
		"aor":     aor,
		"contact": contact,
		"expires": expiresSeconds,
	}).Info("Registration updated")
}

// Lookup returns the binding for aor. Expired bindings are never returned;
// they are deleted on observation.
func (d *Directory) Lookup(aor string) (Registration, bool) {
	d.mu.RLock()
	reg, ok := d.bindings[aor]
	d.mu.RUnlock()
	if !ok {
		return Registration{}, false
	}

	if !reg.Expiry.After(d.nowFunc()) {
		d.mu.Lock()
		// re-check under the write lock; a refresh may have raced the prune
		if cur, ok := d.bindings[aor]; ok && !cur.Expiry.After(d.nowFunc()) {
			delete(d.bindings, aor)
		}
		d.mu.Unlock()
		return Registration{}, false
	}
	return reg, true
}

// Count returns the number of live bindings, pruning expired ones
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	for aor, reg := range d.bindings {
		if !reg.Expiry.After(now) {
			delete(d.bindings, aor)
		}
	}
	return len(d.bindings)
}

// StartSweeper prunes expired bindings in the background until ctx ends.
// Purely an optimization over lazy expiry.
func (d *Directory) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept := d.sweep()
				if swept > 0 {
					d.logger.WithField("count", swept).Debug("Swept expired registrations")
				}
			}
		}
	}()
}

func (d *Directory) sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	swept := 0
	for aor, reg := range d.bindings {
		if !reg.Expiry.After(now) {
			delete(d.bindings, aor)
			swept++
		}
	}
	return swept
}
