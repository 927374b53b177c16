// Package sweeper reclaims storage the attach and detach protocols leave
// behind: orphaned attachment rows whose blobs are no longer referenced, and
// pending rows whose uploads never finished. It is the only component that
// physically deletes blobs, and it only deletes blobs whose rows are
// orphaned, so a committed attachment can never lose its content to the
// sweeper.
//
// Rows are reclaimed blob first. If the blob delete fails the row stays and
// the next sweep retries; a row is removed only once its blob is gone.
package sweeper

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"

	"github.com/ivlib/docket/ledger"
	"github.com/ivlib/docket/store"
)

// ErrSweepRunning is returned by SweepOnce when a sweep is already in
// progress in this process.
var ErrSweepRunning = errors.New("sweep already in progress")

// Defaults used when the corresponding Sweeper field is zero.
const (
	DefaultInterval       = 10 * time.Minute
	DefaultOrphanGrace    = time.Hour
	DefaultPendingTimeout = 24 * time.Hour
)

// Sweeper periodically reconciles the metadata repository with the blob
// store. Set the fields before calling Start or SweepOnce.
type Sweeper struct {
	Repo  ledger.Repository
	Blobs store.Store

	// Interval is the time between background sweeps.
	Interval time.Duration

	// OrphanGrace is how long an orphaned row is left alone before its
	// blob and row are reclaimed. The grace period lets signed links
	// issued just before a detach drain.
	OrphanGrace time.Duration

	// PendingTimeout is how long a pending row may sit before its upload
	// is presumed dead and the row is orphaned and reclaimed.
	PendingTimeout time.Duration

	// Clock drives the sweep schedule and the age cutoffs.
	// Nil means the wall clock.
	Clock clock.Clock

	running  int32
	stop     chan struct{}
	stoponce sync.Once
}

func (sw *Sweeper) clk() clock.Clock {
	if sw.Clock == nil {
		return clock.New()
	}
	return sw.Clock
}

// Start launches the background sweep loop. Call Stop to halt it. The loop
// is not resumable once stopped.
func (sw *Sweeper) Start() {
	if sw.Interval == 0 {
		sw.Interval = DefaultInterval
	}
	sw.stop = make(chan struct{})
	go sw.run()
}

// Stop halts the background loop. A sweep in progress finishes first.
func (sw *Sweeper) Stop() {
	sw.stoponce.Do(func() {
		if sw.stop != nil {
			close(sw.stop)
		}
	})
}

func (sw *Sweeper) run() {
	tick := sw.clk().Ticker(sw.Interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			_, err := sw.SweepOnce(context.Background())
			if err != nil && err != ErrSweepRunning {
				log.Printf("Sweeper: %s", err.Error())
			}
		case <-sw.stop:
			return
		}
	}
}

// SweepOnce runs a single reconciliation pass and returns the number of
// attachment rows reclaimed. Failures on individual attachments are logged
// and skipped; the row stays for the next pass. Only one sweep runs at a
// time in a process.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&sw.running, 0, 1) {
		return 0, ErrSweepRunning
	}
	defer atomic.StoreInt32(&sw.running, 0)

	now := sw.clk().Now()
	var reclaimed int

	grace := sw.OrphanGrace
	if grace == 0 {
		grace = DefaultOrphanGrace
	}
	orphans, err := sw.Repo.ListOrphanedBefore(ctx, now.Add(-grace))
	if err != nil {
		return reclaimed, err
	}
	for _, a := range orphans {
		if sw.reclaim(ctx, a) {
			reclaimed++
		}
	}

	timeout := sw.PendingTimeout
	if timeout == 0 {
		timeout = DefaultPendingTimeout
	}
	stale, err := sw.Repo.ListPendingBefore(ctx, now.Add(-timeout))
	if err != nil {
		return reclaimed, err
	}
	for _, a := range stale {
		// the upload never finished; park the row and reclaim it
		if err := sw.Repo.MarkOrphaned(ctx, a.ID); err != nil {
			sw.skip(a, err)
			continue
		}
		if sw.reclaim(ctx, a) {
			reclaimed++
		}
	}
	return reclaimed, nil
}

// reclaim removes the blob, then the row. Reports whether the row is gone.
func (sw *Sweeper) reclaim(ctx context.Context, a *ledger.Attachment) bool {
	// Delete tolerates a missing blob, which covers uploads that
	// never landed anything
	if err := sw.Blobs.Delete(ctx, a.StorageKey); err != nil {
		sw.skip(a, err)
		return false
	}
	if err := sw.Repo.DeleteAttachmentRow(ctx, a.ID); err != nil {
		sw.skip(a, err)
		return false
	}
	return true
}

func (sw *Sweeper) skip(a *ledger.Attachment, err error) {
	log.Printf("Sweeper: attachment %s (%s): %s", a.ID, a.StorageKey, err.Error())
	raven.CaptureError(err, map[string]string{"attachment": a.ID, "key": a.StorageKey})
}
