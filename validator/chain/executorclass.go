package chain

// ExecutorClass is the categorical capacity descriptor a miner declares for
// its workers. Classes are opaque strings on the wire; the defaults below are
// the ones present on mainnet.
type ExecutorClass = string

const (
	// ExecutorClassDefault is a CPU-only spin-up executor.
	ExecutorClassDefault ExecutorClass = "spin_up-4min.gpu-24gb"
	// ExecutorClassAlways is a hot standby executor.
	ExecutorClassAlways ExecutorClass = "always_on.gpu-24gb"
	// ExecutorClassLLM is the large memory class reserved for llm jobs.
	ExecutorClassLLM ExecutorClass = "always_on.llm.a6000"
)
