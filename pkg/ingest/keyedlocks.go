package ingest

import (
	"hash/fnv"
	"sync"
)

// keyedLocks serializes the commit path per event id: two deliveries of
// the same id (a retry racing its original) must not commit
// concurrently. Striping keeps the lock table fixed-size; commits for
// distinct ids only contend when their ids hash to the same stripe.
type keyedLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyedLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m
}
