package invalidation

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
)

const (
	EventVersion = 1

	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Event announces that an entity changed. Cells lists every token whose
// cached lookups may now be stale: the entity's old cells and its new ones.
type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	Namespace string    `json:"namespace"`
	ID        string    `json:"id"`
	TS        time.Time `json:"ts"`
	Cells     []string  `json:"cells"`
}

// NewEvent builds a version 1 event over the union of the given cell sets.
// The level 0 token is dropped since it is never queried.
func NewEvent(op, namespace, id string, cellSets ...[]string) Event {
	var cells []string
	for _, set := range cellSets {
		for _, c := range set {
			if c != "" {
				cells = append(cells, c)
			}
		}
	}
	slices.Sort(cells)
	return Event{
		Version:   EventVersion,
		Op:        op,
		Namespace: namespace,
		ID:        id,
		TS:        time.Now().UTC(),
		Cells:     slices.Compact(cells),
	}
}

func (e Event) Validate() error {
	if e.Version != EventVersion {
		return fmt.Errorf("version must be %d", EventVersion)
	}
	switch e.Op {
	case OpUpsert, OpDelete:
	default:
		return fmt.Errorf("op must be upsert|delete")
	}
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if len(e.Cells) == 0 {
		return fmt.Errorf("cells are required")
	}
	for _, c := range e.Cells {
		if _, err := geocell.Decode(c); err != nil || c == "" {
			return fmt.Errorf("cell %q: invalid token", c)
		}
	}
	return nil
}
