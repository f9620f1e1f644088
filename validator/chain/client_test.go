package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/encoding/ss58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stub subtensor -------------------------------------------------------

type rpcRequest struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type stubChain struct {
	srv   *httptest.Server
	calls map[string]*int64
	// handler returns (result, errMsg).
	handle func(method string, params []interface{}) (interface{}, string)
}

func newStubChain(t *testing.T, handle func(method string, params []interface{}) (interface{}, string)) *stubChain {
	t.Helper()
	s := &stubChain{calls: map[string]*int64{}, handle: handle}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if _, ok := s.calls[req.Method]; !ok {
			var zero int64
			s.calls[req.Method] = &zero
		}
		atomic.AddInt64(s.calls[req.Method], 1)
		result, errMsg := s.handle(req.Method, req.Params)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if errMsg != "" {
			resp["error"] = map[string]interface{}{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubChain) callCount(method string) int64 {
	c, ok := s.calls[method]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// --- scale encoding helpers ----------------------------------------------

func compactEnc(v uint64) []byte {
	switch {
	case v < 1<<6:
		return []byte{byte(v << 2)}
	case v < 1<<14:
		x := uint16(v<<2 | 0b01)
		return []byte{byte(x), byte(x >> 8)}
	case v < 1<<30:
		x := uint32(v<<2 | 0b10)
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, x)
		return out
	default:
		raw := make([]byte, 8)
		binary.LittleEndian.PutUint64(raw, v)
		n := 8
		for n > 4 && raw[n-1] == 0 {
			n--
		}
		return append([]byte{byte(n-4)<<2 | 0b11}, raw[:n]...)
	}
}

type testNeuron struct {
	hotkey  [32]byte
	coldkey [32]byte
	uid     uint64
	active  bool
	ip      uint32
	port    uint16
	rao     uint64
}

func encodeNeurons(neurons []testNeuron) string {
	out := compactEnc(uint64(len(neurons)))
	for _, n := range neurons {
		out = append(out, n.hotkey[:]...)
		out = append(out, n.coldkey[:]...)
		out = append(out, compactEnc(n.uid)...)
		if n.active {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
		ip := make([]byte, 16)
		binary.LittleEndian.PutUint32(ip, n.ip)
		out = append(out, ip...)
		port := make([]byte, 2)
		binary.LittleEndian.PutUint16(port, n.port)
		out = append(out, port...)
		out = append(out, compactEnc(n.rao)...)
	}
	return "0x" + hex.EncodeToString(out)
}

func encodeStakes(rao []uint64) string {
	out := compactEnc(uint64(len(rao)))
	for _, v := range rao {
		out = append(out, compactEnc(v)...)
	}
	return "0x" + hex.EncodeToString(out)
}

func encodeTimestampExtrinsic(ts time.Time) string {
	body := []byte{0x04, 0x02, 0x00}
	body = append(body, compactEnc(uint64(ts.UnixMilli()))...)
	full := append(compactEnc(uint64(len(body))), body...)
	return "0x" + hex.EncodeToString(full)
}

func hotkeyBytes(seed byte) [32]byte {
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	return b
}

// --- tests ----------------------------------------------------------------

func dialStub(t *testing.T, stub *stubChain) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), &Config{LiteEndpoint: stub.srv.URL})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func fastBackoff(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.ForgeNetworkConfig().Copy()
	cfg.ChainBackoffMin = time.Millisecond
	cfg.ChainBackoffMax = 2 * time.Millisecond
	cfg.ChainReadTimeout = 2 * time.Second
	params.OverrideForgeConfig(cfg)
}

func TestCurrentBlock_SubtractsSafetyMargin(t *testing.T) {
	fastBackoff(t)
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		require.Equal(t, "chain_getHeader", method)
		return map[string]string{"number": "0x3e8"}, "" // 1000
	})
	c := dialStub(t, stub)

	got, err := c.CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(995), got)
}

func TestBlockHash_Memoized(t *testing.T) {
	fastBackoff(t)
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		return "0xabc123", ""
	})
	c := dialStub(t, stub)

	for i := 0; i < 3; i++ {
		h, err := c.BlockHash(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, "0xabc123", h)
	}
	assert.Equal(t, int64(1), stub.callCount("chain_getBlockHash"))
}

func TestBlockTimestamp(t *testing.T) {
	fastBackoff(t)
	want := time.Unix(1700000000, 0).UTC()
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		switch method {
		case "chain_getBlockHash":
			return "0xhash", ""
		case "chain_getBlock":
			return map[string]interface{}{
				"block": map[string]interface{}{
					"extrinsics": []string{encodeTimestampExtrinsic(want)},
				},
			}, ""
		}
		return nil, "unexpected method " + method
	})
	c := dialStub(t, stub)

	got, err := c.BlockTimestamp(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListNeurons(t *testing.T) {
	fastBackoff(t)
	hk := hotkeyBytes(1)
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		switch method {
		case "chain_getBlockHash":
			return "0xhash", ""
		case "neuronInfo_getNeuronsLite":
			return encodeNeurons([]testNeuron{
				{hotkey: hk, coldkey: hotkeyBytes(2), uid: 0, active: true, ip: 0x01020304, port: 8000, rao: 5_000_000_000},
				{hotkey: hotkeyBytes(3), coldkey: hotkeyBytes(4), uid: 1, active: false, rao: 0},
			}), ""
		}
		return nil, "unexpected method " + method
	})
	c := dialStub(t, stub)

	neurons, err := c.ListNeurons(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, neurons, 2)

	wantAddr, err := ss58.Encode(hk[:], params.ForgeNetworkConfig().SS58Prefix)
	require.NoError(t, err)
	assert.Equal(t, wantAddr, neurons[0].Hotkey)
	assert.Equal(t, "1.2.3.4", neurons[0].Axon.IP)
	assert.Equal(t, uint16(8000), neurons[0].Axon.Port)
	assert.True(t, neurons[0].Axon.Serving())
	assert.Equal(t, float64(5), neurons[0].Stake)
	assert.False(t, neurons[1].Axon.Serving())
}

func TestListValidators_FloorOrderAndCap(t *testing.T) {
	fastBackoff(t)
	cfg := params.ForgeNetworkConfig().Copy()
	cfg.MaxValidatorCount = 2
	params.OverrideForgeConfig(cfg)

	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		switch method {
		case "chain_getBlockHash":
			return "0xhash", ""
		case "neuronInfo_getNeuronsLite":
			return encodeNeurons([]testNeuron{
				{hotkey: hotkeyBytes(1), uid: 0},
				{hotkey: hotkeyBytes(2), uid: 1},
				{hotkey: hotkeyBytes(3), uid: 2},
				{hotkey: hotkeyBytes(4), uid: 3},
			}), ""
		case "subnetInfo_getSubnetState":
			// units: 50000, 999, 30000, 40000 (floor is 1000)
			return encodeStakes([]uint64{50000e9, 999e9, 30000e9, 40000e9}), ""
		}
		return nil, "unexpected method " + method
	})
	c := dialStub(t, stub)

	validators, err := c.ListValidators(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, validators, 2)
	assert.Equal(t, uint16(0), validators[0].UID)
	assert.Equal(t, uint16(3), validators[1].UID)
}

func TestArchiveFallback_OnUnknownBlock(t *testing.T) {
	fastBackoff(t)
	archive := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		return "0xarchive", ""
	})
	lite := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		return nil, "State already discarded for block"
	})

	c, err := NewClient(context.Background(), &Config{
		LiteEndpoint:    lite.srv.URL,
		ArchiveEndpoint: archive.srv.URL,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	h, err := c.BlockHash(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "0xarchive", h)
	// Pruned state is not a transient error; the lite node is asked once.
	assert.Equal(t, int64(1), lite.callCount("chain_getBlockHash"))
}

func TestArchiveNotConfigured(t *testing.T) {
	fastBackoff(t)
	lite := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		return nil, "UnknownBlock: state pruned"
	})
	c := dialStub(t, lite)

	_, err := c.BlockHash(context.Background(), 42)
	assert.ErrorIs(t, err, ErrArchiveNotConfigured)
}

func TestCall_RetriesTransientErrors(t *testing.T) {
	fastBackoff(t)
	var n int64
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		if atomic.AddInt64(&n, 1) < 3 {
			return nil, "temporarily unavailable"
		}
		return map[string]string{"number": "0x64"}, ""
	})
	c := dialStub(t, stub)

	got, err := c.CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(95), got)
	assert.Equal(t, int64(3), stub.callCount("chain_getHeader"))
}

func TestOldestReachableBlock(t *testing.T) {
	fastBackoff(t)
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		return map[string]string{"number": "0x3e8"}, ""
	})
	c := dialStub(t, stub)

	oldest, err := c.OldestReachableBlock(context.Background())
	require.NoError(t, err)
	// current (995) - lookback (200)
	assert.Equal(t, int64(795), oldest)
}

func TestShieldedNeurons(t *testing.T) {
	fastBackoff(t)
	shield := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/neurons", r.URL.Path)
		fmt.Fprint(w, `[{"uid":3,"hotkey":"hk","axon":{"ip":"9.9.9.9","port":443},"stake":12.5}]`)
	}))
	t.Cleanup(shield.Close)
	rpc := newStubChain(t, func(string, []interface{}) (interface{}, string) { return nil, "unused" })

	c, err := NewClient(context.Background(), &Config{
		LiteEndpoint:   rpc.srv.URL,
		ShieldEndpoint: shield.URL,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	neurons, err := c.ShieldedNeurons(context.Background())
	require.NoError(t, err)
	require.Len(t, neurons, 1)
	assert.Equal(t, uint16(3), neurons[0].UID)
	assert.Equal(t, "9.9.9.9", neurons[0].Axon.IP)
}

func TestSnapshot(t *testing.T) {
	fastBackoff(t)
	stub := newStubChain(t, func(method string, _ []interface{}) (interface{}, string) {
		switch method {
		case "chain_getBlockHash":
			return "0xdeadbeef", ""
		case "neuronInfo_getNeuronsLite":
			return encodeNeurons([]testNeuron{
				{hotkey: hotkeyBytes(1), uid: 0, active: true, ip: 0x0a000001, port: 8000},
				{hotkey: hotkeyBytes(2), uid: 1},
			}), ""
		case "subnetInfo_getSubnetState":
			return encodeStakes([]uint64{7e9, 0}), ""
		}
		return nil, "unexpected method " + method
	})
	c := dialStub(t, stub)

	snap, err := c.Snapshot(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Block)
	assert.Equal(t, "0xdeadbeef", snap.BlockHash)
	assert.Equal(t, []uint16{0, 1}, snap.UIDs)
	require.Len(t, snap.ServingHotkeys, 1)
	assert.Equal(t, []float64{7, 0}, snap.TotalStake)
}
