// This file defines Config: the knobs the outer application populates to
// construct a Server, following the teacher's MaintenanceConfig /
// DefaultMaintenanceConfig functional-default pattern.
package kadnode

import "time"

// Config controls a Server's bucket size, lookup fan-out, value lifetime,
// and background cadence. The core never reads files or environment
// variables directly; the outer application is responsible for populating
// Config from whatever source it prefers.
type Config struct {
	// K is the bucket size and the fan-in of FindNeighbors/find_value
	// results.
	K int
	// Alpha is the per-round parallelism of the spider crawler.
	Alpha int
	// StoreTTL is how long a stored value survives without republishing.
	StoreTTL time.Duration
	// RPCTimeout bounds every outbound RPC.Call.
	RPCTimeout time.Duration
	// RefreshInterval is the hourly maintenance cadence: lonely-bucket
	// refresh crawls and value republishing.
	RefreshInterval time.Duration
	// MaxRequestSize is carried for the outer application; Server does not
	// read it. The datagram size limit actually enforced is
	// transport.MaxPacketSize.
	MaxRequestSize int
	// STUNServers overrides the public STUN servers queried during public
	// address discovery. Nil uses transport's built-in default list.
	STUNServers []string
}

// DefaultConfig returns the settings spec.md assumes throughout: a bucket
// size of 20, alpha of 3, a 20 second store TTL, hourly refresh cadence,
// and a 5 second RPC timeout.
func DefaultConfig() *Config {
	return &Config{
		K:               20,
		Alpha:           3,
		StoreTTL:        20 * time.Second,
		RPCTimeout:      5 * time.Second,
		RefreshInterval: 1 * time.Hour,
		MaxRequestSize:  512,
	}
}
