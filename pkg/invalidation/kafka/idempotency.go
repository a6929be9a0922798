package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultDedupeSize = 4096

// versionDedupe remembers the highest version applied per key, bounded by an
// LRU so rarely changing keys are eventually forgotten.
type versionDedupe struct {
	mu   sync.Mutex
	last *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = defaultDedupeSize
	}
	c, err := lru.New[string, uint64](size)
	if err != nil {
		panic(err)
	}
	return &versionDedupe{last: c}
}

// shouldApply records v and reports whether it is newer than anything seen for key.
func (d *versionDedupe) shouldApply(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.last.Get(key); ok && v <= prev {
		return false
	}
	d.last.Add(key, v)
	return true
}
