package daemon

// StartOptions configures the daemon (home, port, wake interval, DB, proposer LLM, etc.).
type StartOptions struct {
	Home        string
	Port        int
	IntervalSec float64 // seconds between scheduled wakes; 0 means default
	Dev         bool
	PprofAddr   string
	DBDriver    string // "sqlite" (default) or "postgres"
	DBURL       string // for postgres: connection string (or DATABASE_URL env)
	// Proposer LLM: when both URL and key are set, use the LLM proposer
	// instead of the stub.
	LLMURL     string // e.g. https://api.openai.com
	LLMKey     string // OPENAI_API_KEY
	LLMModel   string // e.g. gpt-4o-mini
	EnableOtel bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
