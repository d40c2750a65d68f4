package domain

// NodeInfo is one forwarding node's self-reported heartbeat entry in the
// shared registry. Timestamp is unix milliseconds; entries older than the
// liveness window are ignored on read, never swept.
type NodeInfo struct {
	NodeID    string  `json:"nodeId"`
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Load      int     `json:"load"`
	CPU       float64 `json:"cpu"`
	Memory    uint64  `json:"memory"`
	Timestamp int64   `json:"timestamp"`
}
