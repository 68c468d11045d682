package kvdb

import (
	"slices"
	"sync"

	"github.com/zeebo/xxh3"
)

const keyLockStripes = 256

// keyLocks serialises writers of the same engine key. Every write path of
// this package takes the stripes of the keys it writes before opening its
// engine transaction, so a merge's read-modify-write never races a write
// from this process.
type keyLocks struct {
	stripes [keyLockStripes]sync.Mutex
}

func stripeOf(engineKey []byte) int {
	return int(xxh3.Hash(engineKey) % keyLockStripes)
}

// lock takes the stripe of one engine key and returns its unlock.
func (l *keyLocks) lock(engineKey []byte) func() {
	m := &l.stripes[stripeOf(engineKey)]
	m.Lock()
	return m.Unlock
}

// lockAll takes the stripes of every key in ascending stripe order, each at
// most once.
func (l *keyLocks) lockAll(engineKeys [][]byte) func() {
	idx := make([]int, 0, len(engineKeys))
	for _, k := range engineKeys {
		idx = append(idx, stripeOf(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

// writeKeys returns the engine keys touched by writes.
func writeKeys(writes []pendingWrite) [][]byte {
	keys := make([][]byte, len(writes))
	for i, w := range writes {
		keys[i] = w.cf.dataKey(w.key)
	}
	return keys
}
