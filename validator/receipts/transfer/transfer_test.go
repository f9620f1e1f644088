package transfer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/validator/db/kv"
	dbtest "github.com/forgenet/forge/validator/db/testing"
	"github.com/forgenet/forge/validator/receipts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageServer is a fake miner receipt endpoint with mutable page bodies and
// byte-range support.
type pageServer struct {
	mu    sync.Mutex
	pages map[receipts.PageID][]byte
	hits  int
	// ignoreRange makes the server reply 200 with the full body even when a
	// Range header is present.
	ignoreRange bool
	// delay stalls every response, for timeout tests.
	delay time.Duration
	// status forces a fixed response code when non-zero.
	status int

	srv *httptest.Server
}

func newPageServer(t *testing.T) *pageServer {
	t.Helper()
	ps := &pageServer{pages: map[receipts.PageID][]byte{}}
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pageServer) handle(w http.ResponseWriter, r *http.Request) {
	ps.mu.Lock()
	delay, status := ps.delay, ps.status
	ps.hits++
	ps.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var page receipts.PageID
	if _, err := fmt.Sscanf(r.URL.Path, "/receipts/page/%d", &page); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ps.mu.Lock()
	body, ok := ps.pages[page]
	ps.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var offset int64
	if rng := r.Header.Get("Range"); rng != "" && !ps.ignoreRange {
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &offset); err != nil || offset > int64(len(body)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if offset == int64(len(body)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[offset:])
		return
	}
	_, _ = w.Write(body)
}

func (ps *pageServer) setPage(page receipts.PageID, body []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pages[page] = body
}

func (ps *pageServer) appendPage(page receipts.PageID, more []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pages[page] = append(ps.pages[page], more...)
}

func (ps *pageServer) hitCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits
}

// miner returns a db record pointing at the fake server.
func (ps *pageServer) miner(t *testing.T, hotkey string) *kv.Miner {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ps.srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	require.NoError(t, err)
	return &kv.Miner{Hotkey: hotkey, Address: host, Port: uint16(port), UpdatedAt: time.Now()}
}

type testKeys struct {
	validator *keys.Keypair
	miner     *keys.Keypair
}

func genKeys(t *testing.T) testKeys {
	t.Helper()
	v, err := keys.Generate()
	require.NoError(t, err)
	m, err := keys.Generate()
	require.NoError(t, err)
	return testKeys{validator: v, miner: m}
}

func (k testKeys) finishedLine(t *testing.T, jobUUID string, ts time.Time) []byte {
	t.Helper()
	payload := &receipts.JobFinishedPayload{
		PayloadFields: receipts.PayloadFields{
			JobUUID:         jobUUID,
			MinerHotkey:     k.miner.Address(),
			ValidatorHotkey: k.validator.Address(),
			Timestamp:       ts,
			ExecutorClass:   "gpu",
			IsOrganic:       true,
		},
		TimeStarted: ts.Add(-time.Minute),
		TimeTookUs:  1000,
		ScoreStr:    "1.0",
	}
	r, err := receipts.Build(payload, k.validator)
	require.NoError(t, err)
	r.MinerSignature = k.miner.Sign(r.RawPayload)
	enc, err := json.Marshal(r)
	require.NoError(t, err)
	return append(enc, '\n')
}

func setupService(t *testing.T, store Store) (*Service, *dynamic.Config) {
	t.Helper()
	params.SetupTestConfigCleanup(t)
	dyn := dynamic.New()
	s := New(&Config{Store: store, Dynamic: dyn})
	return s, dyn
}

func TestRunOnce_InsertsVerifiedReceipts(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	ps := newPageServer(t)
	tk := genKeys(t)

	now := time.Now()
	page := receipts.CurrentPage(now)
	body := append(tk.finishedLine(t, "job-1", now), tk.finishedLine(t, "job-2", now)...)
	ps.setPage(page, body)
	require.NoError(t, db.SaveMiner(context.Background(), ps.miner(t, tk.miner.Address())))

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Inserted)
	assert.Equal(t, int64(0), stats.Failures)

	got, err := db.Receipt(context.Background(), "job-1", receipts.KindJobFinished)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, got.Verify())

	// A second pass finds nothing new past the checkpoint.
	stats, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Inserted)
}

func TestRunOnce_ResumesFromCheckpoint(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	ps := newPageServer(t)
	tk := genKeys(t)

	now := time.Now()
	page := receipts.CurrentPage(now)
	ps.setPage(page, tk.finishedLine(t, "job-1", now))
	require.NoError(t, db.SaveMiner(context.Background(), ps.miner(t, tk.miner.Address())))

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Inserted)

	// The page is append-only: new lines land past the checkpoint.
	ps.appendPage(page, tk.finishedLine(t, "job-2", now))
	stats, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inserted)
	assert.Equal(t, int64(1), stats.Lines, "range fetch should only see the new line")
}

func TestRunOnce_FullResponseRestartsPage(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	ps := newPageServer(t)
	ps.ignoreRange = true
	tk := genKeys(t)

	now := time.Now()
	page := receipts.CurrentPage(now)
	ps.setPage(page, tk.finishedLine(t, "job-1", now))
	require.NoError(t, db.SaveMiner(context.Background(), ps.miner(t, tk.miner.Address())))

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	// The miner ignores ranges and replays the whole page; dedupe keeps the
	// store stable.
	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Lines)
	assert.Equal(t, int64(0), stats.Inserted)
}

func TestRunOnce_IncompleteTrailingLine(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	ps := newPageServer(t)
	tk := genKeys(t)

	now := time.Now()
	page := receipts.CurrentPage(now)
	full := tk.finishedLine(t, "job-2", now)
	ps.setPage(page, append(tk.finishedLine(t, "job-1", now), full[:10]...))
	require.NoError(t, db.SaveMiner(context.Background(), ps.miner(t, tk.miner.Address())))

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inserted, "truncated line must not be consumed")

	// Once the line completes, the next sweep picks it up from the offset.
	ps.appendPage(page, full[10:])
	stats, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inserted)

	got, err := db.Receipt(context.Background(), "job-2", receipts.KindJobFinished)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRunOnce_BadLinesCounted(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	ps := newPageServer(t)
	tk := genKeys(t)

	now := time.Now()
	page := receipts.CurrentPage(now)
	tampered := tk.finishedLine(t, "job-2", now)
	line := tk.finishedLine(t, "job-1", now)
	body := append([]byte("not json at all\n"), line...)
	// Corrupt a byte inside the tampered line's payload.
	tampered[len(tampered)/2] ^= 0x01
	body = append(body, tampered...)
	ps.setPage(page, body)
	require.NoError(t, db.SaveMiner(context.Background(), ps.miner(t, tk.miner.Address())))

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inserted)
	assert.Equal(t, int64(2), stats.ParseErrors)
	assert.Equal(t, int64(0), stats.Failures)
}

func TestRunOnce_PartialFailureDoesNotFailSweep(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	tk := genKeys(t)

	good := newPageServer(t)
	now := time.Now()
	page := receipts.CurrentPage(now)
	good.setPage(page, tk.finishedLine(t, "job-1", now))
	require.NoError(t, db.SaveMiner(context.Background(), good.miner(t, tk.miner.Address())))

	bad := newPageServer(t)
	bad.status = http.StatusInternalServerError
	require.NoError(t, db.SaveMiner(context.Background(), bad.miner(t, "broken-miner")))

	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Inserted)
	assert.True(t, stats.Failures > 0)

	events, err := db.SystemEvents(context.Background(), kv.EventReceiptTransferError, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "broken-miner", events[0].Data["miner"])
}

func TestRunOnce_SlowMinerIsBounded(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, _ := setupService(t, db)
	cfg := params.ForgeNetworkConfig().Copy()
	cfg.TransferTimeout = 100 * time.Millisecond
	params.OverrideForgeConfig(cfg)

	slow := newPageServer(t)
	slow.delay = 2 * time.Second
	require.NoError(t, db.SaveMiner(context.Background(), slow.miner(t, "slow-miner")))

	started := time.Now()
	stats, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Failures > 0)
	// Pages run sequentially per miner but every request is cut at the
	// timeout: six window pages stay well under the server's delay.
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestRunOnce_KillSwitchBlocks(t *testing.T) {
	db := dbtest.SetupDB(t)
	s, dyn := setupService(t, db)
	ps := newPageServer(t)
	require.NoError(t, db.SaveMiner(context.Background(), ps.miner(t, "m1")))
	require.NoError(t, dyn.Set(dynamic.ReceiptTransferEnabled, false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.RunOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, ps.hitCount(), "disabled transfer must not touch miners")
}
