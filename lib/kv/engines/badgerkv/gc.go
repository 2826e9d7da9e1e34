package badgerkv

import (
	"errors"
	"github.com/dgraph-io/badger/v4"
	"time"
)

// --------------------------------------------------------------------------
// Value Log Garbage Collection
// --------------------------------------------------------------------------

// GCRunner runs periodic value log garbage collection on a BadgerDB instance.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewGCRunner creates a runner, call Start to begin and Stop to halt it
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("ratio must be between 0 and 1 (exclusive)")
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins periodic garbage collection in a background goroutine
func (r *GCRunner) Start() {
	go r.run()
}

// Stop signals the GC goroutine to stop and waits for it to finish
func (r *GCRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := runGC(r.db, r.ratio); err != nil {
				log.Warningf("value log GC failed: %v", err)
			}
		}
	}
}

// runGC rewrites value log files until BadgerDB reports that nothing is left to rewrite
func runGC(db *badger.DB, ratio float64) error {
	rewrites := 0
	for {
		err := db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			if rewrites > 0 {
				log.Debugf("value log GC rewrote %d files", rewrites)
			}
			return nil
		}
		if err != nil {
			return err
		}
		rewrites++
	}
}
