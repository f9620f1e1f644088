// Package transfer pulls page-addressed receipt logs from every serving
// miner. Cold pages are caught up in bulk; the hot tail of active pages is
// re-swept on a short cadence. Byte-offset checkpoints per (miner, page) turn
// re-sweeps of append-only pages into cheap HTTP range requests.
package transfer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/receipts"
	jsoniter "github.com/json-iterator/go"
	"github.com/kevinms/leakybucket-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var log = logrus.WithField("prefix", "receipt-transfer")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineBytes bounds a single receipt line; anything larger is hostile.
const maxLineBytes = 1 << 20

// Per-miner request pacing so re-sweeps cannot hammer a single host. The
// burst capacity comfortably covers one full window sweep.
const (
	minerRateFill     = 10
	minerRateCapacity = 20
)

// Store is the persistence surface the transfer needs. *kv.Store satisfies
// it.
type Store interface {
	Miners(ctx context.Context) ([]*kv.Miner, error)
	SaveReceipts(ctx context.Context, page receipts.PageID, rs []*receipts.Receipt) (int, error)
	TransferCheckpoint(ctx context.Context, minerHotkey string, page receipts.PageID) (int64, error)
	SaveTransferCheckpoint(ctx context.Context, minerHotkey string, page receipts.PageID, offset int64) error
	SaveSystemEvent(ctx context.Context, ev *kv.SystemEvent) error
}

// Stats aggregates one sweep's outcome.
type Stats struct {
	Inserted    int64
	Lines       int64
	ParseErrors int64
	Failures    int64
}

func (s *Stats) add(o Stats) {
	atomic.AddInt64(&s.Inserted, o.Inserted)
	atomic.AddInt64(&s.Lines, o.Lines)
	atomic.AddInt64(&s.ParseErrors, o.ParseErrors)
	atomic.AddInt64(&s.Failures, o.Failures)
}

// Config holds service construction parameters.
type Config struct {
	Store   Store
	Dynamic *dynamic.Config
	// HTTPClient overrides the transport in tests; nil uses a default
	// keep-alive client.
	HTTPClient *http.Client
	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time
}

// Service replicates miner receipt pages into the local store.
type Service struct {
	store  Store
	dyn    *dynamic.Config
	client *http.Client
	now    func() time.Time
	pacer  *leakybucket.Collector
}

// New constructs a transfer service.
func New(cfg *Config) *Service {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  cfg.Store,
		dyn:    cfg.Dynamic,
		client: client,
		now:    now,
		pacer:  leakybucket.NewCollector(minerRateFill, minerRateCapacity, true),
	}
}

// pageURL is the miner's page endpoint. 404 means the miner has no receipts
// for the page, which is a non-error.
func pageURL(m *kv.Miner, page receipts.PageID) string {
	return fmt.Sprintf("http://%s/receipts/page/%d", net.JoinHostPort(m.Address, fmt.Sprintf("%d", m.Port)), page)
}

// transferPage fetches one (miner, page) delta from the stored checkpoint,
// verifies and persists its receipts, and advances the checkpoint by the
// complete lines consumed.
func (s *Service) transferPage(ctx context.Context, m *kv.Miner, page receipts.PageID) (Stats, error) {
	stats := Stats{}
	checkpoint, err := s.store.TransferCheckpoint(ctx, m.Hotkey, page)
	if err != nil {
		return stats, errors.Wrap(err, "could not read transfer checkpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL(m, page), nil)
	if err != nil {
		return stats, errors.Wrap(err, "could not build page request")
	}
	if checkpoint > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", checkpoint))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return stats, errors.Wrap(err, "page request failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close page response body")
		}
	}()

	base := checkpoint
	switch resp.StatusCode {
	case http.StatusOK:
		// A full body restarts the page: either there was no checkpoint or
		// the miner does not honor ranges.
		base = 0
	case http.StatusPartialContent:
	case http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable:
		// No receipts, or nothing new past the checkpoint.
		return stats, nil
	default:
		return stats, errors.Errorf("unexpected page status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes*64))
	if err != nil {
		return stats, errors.Wrap(err, "could not read page body")
	}
	transferredBytes.Add(float64(len(body)))

	// Only complete lines count; a line truncated mid-receipt is re-fetched
	// on the next sweep from the advanced checkpoint.
	consumed := int64(0)
	var batch []*receipts.Receipt
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		lineEnd := consumed + int64(len(line)) + 1
		if lineEnd > int64(len(body)) {
			// Final line without a trailing newline: incomplete.
			break
		}
		consumed = lineEnd
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		stats.Lines++
		r := &receipts.Receipt{}
		if err := json.Unmarshal(line, r); err != nil {
			stats.ParseErrors++
			lineParseErrors.Inc()
			continue
		}
		if err := r.Verify(); err != nil {
			stats.ParseErrors++
			lineParseErrors.Inc()
			continue
		}
		batch = append(batch, r)
	}
	if err := sc.Err(); err != nil {
		return stats, errors.Wrap(err, "could not scan page body")
	}

	if len(batch) > 0 {
		inserted, err := s.store.SaveReceipts(ctx, page, batch)
		if err != nil {
			return stats, errors.Wrap(err, "could not persist receipts")
		}
		stats.Inserted = int64(inserted)
		receiptsInserted.Add(float64(inserted))
		receiptRate.Incr(int64(inserted))
	}
	if err := s.store.SaveTransferCheckpoint(ctx, m.Hotkey, page, base+consumed); err != nil {
		return stats, errors.Wrap(err, "could not save transfer checkpoint")
	}
	return stats, nil
}

// classify maps a transfer error onto a counter label.
func classify(err error) string {
	var netErr net.Error
	var urlErr *url.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &urlErr):
		return "connection"
	default:
		return "other"
	}
}

// sweep transfers the given pages from every serving miner. Miners run
// concurrently under the semaphore; one miner's pages run sequentially,
// oldest checkpoint semantics require page order within a miner. A failing
// miner never fails the sweep.
func (s *Service) sweep(ctx context.Context, pages []receipts.PageID, concurrency int64, timeout time.Duration) (Stats, error) {
	miners, err := s.store.Miners(ctx)
	if err != nil {
		return Stats{}, errors.Wrap(err, "could not list miners")
	}
	total := Stats{}
	sem := semaphore.NewWeighted(concurrency)
	var wg sync.WaitGroup
	for _, m := range miners {
		if !m.Serving() {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(m *kv.Miner) {
			defer wg.Done()
			defer sem.Release(1)
			for _, page := range pages {
				if ctx.Err() != nil {
					return
				}
				if s.pacer.Add(m.Hotkey, 1) == 0 {
					select {
					case <-time.After(s.pacer.TillEmpty(m.Hotkey)):
					case <-ctx.Done():
						return
					}
					s.pacer.Add(m.Hotkey, 1)
				}
				reqCtx, cancel := context.WithTimeout(ctx, timeout)
				stats, err := s.transferPage(reqCtx, m, page)
				cancel()
				total.add(stats)
				if err != nil {
					total.add(Stats{Failures: 1})
					kind := classify(err)
					transferErrors.WithLabelValues(kind).Inc()
					log.WithError(err).WithFields(logrus.Fields{
						"miner": m.Hotkey,
						"page":  page,
						"kind":  kind,
					}).Debug("Page transfer failed")
					s.auditFailure(m.Hotkey, page, kind, err)
				}
			}
		}(m)
	}
	wg.Wait()
	return total, ctx.Err()
}

func (s *Service) auditFailure(minerHotkey string, page receipts.PageID, kind string, err error) {
	// Audit writes use a background context so a timed-out request context
	// cannot lose the event.
	ev := &kv.SystemEvent{
		Type:            kv.EventReceiptTransferError,
		Subtype:         kind,
		LongDescription: err.Error(),
		Data: map[string]interface{}{
			"miner": minerHotkey,
			"page":  page,
		},
		Timestamp: s.now(),
	}
	if err := s.store.SaveSystemEvent(context.Background(), ev); err != nil {
		log.WithError(err).Warn("Could not audit transfer failure")
	}
}

// waitEnabled blocks until the kill switch allows transfers, re-checking on
// a fixed cadence. Returns false when the context ends first.
func (s *Service) waitEnabled(ctx context.Context) bool {
	for !s.dyn.Bool(dynamic.ReceiptTransferEnabled) {
		log.Debug("Receipt transfer disabled, sleeping")
		select {
		case <-time.After(params.ForgeNetworkConfig().KillSwitchRecheck):
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

// RunOnce transfers every page in the catch-up window from every serving
// miner, newest first, and returns the aggregate stats.
func (s *Service) RunOnce(ctx context.Context) (Stats, error) {
	if !s.waitEnabled(ctx) {
		return Stats{}, ctx.Err()
	}
	cfg := params.ForgeNetworkConfig()
	pages := receipts.AllPages(s.now())
	stats, err := s.sweep(ctx, pages, cfg.OnceConcurrency, cfg.TransferTimeout)
	log.WithFields(logrus.Fields{
		"pages":       len(pages),
		"inserted":    stats.Inserted,
		"parseErrors": stats.ParseErrors,
		"failures":    stats.Failures,
	}).Info("Receipt transfer pass complete")
	return stats, err
}

// Run operates the daemon: an initial hot sweep, then a cold catch-up loop
// and a hot keep-up loop concurrently until the context ends.
func (s *Service) Run(ctx context.Context) error {
	cfg := params.ForgeNetworkConfig()

	if s.waitEnabled(ctx) {
		if _, err := s.sweep(ctx, receipts.ActivePages(s.now()), cfg.CatchUpConcurrency, cfg.TransferTimeout); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Initial hot sweep failed")
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.catchUpLoop(ctx)
	}()
	s.keepUpLoop(ctx)
	wg.Wait()
	return ctx.Err()
}

// catchUpLoop continuously re-sweeps the cold pages of the transfer window.
func (s *Service) catchUpLoop(ctx context.Context) {
	cfg := params.ForgeNetworkConfig()
	for ctx.Err() == nil {
		if !s.waitEnabled(ctx) {
			return
		}
		if _, err := s.sweep(ctx, receipts.CatchUpPages(s.now()), cfg.CatchUpConcurrency, cfg.TransferTimeout); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Catch-up sweep failed")
		}
		select {
		case <-time.After(s.dyn.Duration(dynamic.ReceiptTransferInterval)):
		case <-ctx.Done():
			return
		}
	}
}

// keepUpLoop re-sweeps the hot pages every transfer interval, sleeping out
// the remainder when a pass finishes early.
func (s *Service) keepUpLoop(ctx context.Context) {
	cfg := params.ForgeNetworkConfig()
	for ctx.Err() == nil {
		if !s.waitEnabled(ctx) {
			return
		}
		started := s.now()
		stats, err := s.sweep(ctx, receipts.ActivePages(started), cfg.KeepUpConcurrency, cfg.KeepUpTimeout)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Keep-up sweep failed")
		}
		if stats.Inserted > 0 {
			log.WithFields(logrus.Fields{
				"inserted":       stats.Inserted,
				"receiptsPerMin": receiptRate.Rate(),
			}).Debug("Keep-up sweep complete")
		}
		elapsed := s.now().Sub(started)
		if remainder := s.dyn.Duration(dynamic.ReceiptTransferInterval) - elapsed; remainder > 0 {
			select {
			case <-time.After(remainder):
			case <-ctx.Done():
				return
			}
		}
	}
}
