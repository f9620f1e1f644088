package kv

// Bucket names. Composite keys inside buckets join segments with a 0x00
// separator; hotkeys (base58) and job uuids never contain a zero byte.
var (
	minersBucket          = []byte("miners")
	manifestsBucket       = []byte("miner-manifests")
	blacklistBucket       = []byte("miner-blacklist")
	organicJobsBucket     = []byte("organic-jobs")
	receiptsBucket        = []byte("receipts")
	receiptPagesBucket    = []byte("receipt-pages")
	receiptsByMinerBucket = []byte("receipts-by-miner")
	checkpointsBucket     = []byte("transfer-checkpoints")
	allowanceCellsBucket  = []byte("allowance-cells")
	reservationsBucket    = []byte("allowance-reservations")
	systemEventsBucket    = []byte("system-events")
	metagraphBucket       = []byte("metagraph-snapshots")
	cyclesBucket          = []byte("cycles")
	batchesBucket         = []byte("synthetic-job-batches")
)

var allBuckets = [][]byte{
	minersBucket,
	manifestsBucket,
	blacklistBucket,
	organicJobsBucket,
	receiptsBucket,
	receiptPagesBucket,
	receiptsByMinerBucket,
	checkpointsBucket,
	allowanceCellsBucket,
	reservationsBucket,
	systemEventsBucket,
	metagraphBucket,
	cyclesBucket,
	batchesBucket,
}

const keySeparator = byte(0x00)

func compositeKey(segments ...[]byte) []byte {
	size := 0
	for _, s := range segments {
		size += len(s) + 1
	}
	key := make([]byte, 0, size)
	for i, s := range segments {
		if i > 0 {
			key = append(key, keySeparator)
		}
		key = append(key, s...)
	}
	return key
}
