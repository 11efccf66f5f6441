package config

// Payout modes supported by the node. The journal mode appends settled
// withdrawals to a local file; the http mode forwards them to an external
// settlement endpoint.
const (
	PayoutModeJournal = "journal"
	PayoutModeHTTP    = "http"
)

// Payout selects where withdrawn balances are paid out.
type Payout struct {
	Mode     string `toml:"Mode"`
	Path     string `toml:"Path"`
	Endpoint string `toml:"Endpoint"`
}

// Log controls the node's structured log output. When Path is set, log
// lines are additionally written to a size-rotated file.
type Log struct {
	Env  string `toml:"Env"`
	Path string `toml:"Path"`
}
