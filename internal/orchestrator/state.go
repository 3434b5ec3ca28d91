package orchestrator

// State is a step of the crawl state machine.
type State string

// Crawl states in the order a normal crawl visits them.
const (
	StateIdle                State = "idle"
	StateCacheCheck          State = "cache_check"
	StateNavigating          State = "navigating"
	StateAwaitingReady       State = "awaiting_ready"
	StateFallback            State = "fallback"
	StatePostScriptExecution State = "post_script_execution"
	StateCacheWrite          State = "cache_write"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Observer is told about every state a crawl enters.
type Observer func(rawURL string, state State)
