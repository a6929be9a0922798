package kafka

import "time"

// WireEvent evicts cells directly, for producers that do not write through
// the index (bulk loaders, repair jobs). Version is per cell: a cell is only
// evicted again for a higher version.
type WireEvent struct {
	Namespace string    `json:"namespace,omitempty"`
	Cells     []string  `json:"cells"`
	Version   uint64    `json:"version"`
	TS        time.Time `json:"ts"`
	Op        string    `json:"op,omitempty"`
}
