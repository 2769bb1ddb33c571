package processor

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// reservations serializes transactions that touch the same sender or
// contract while letting unrelated ones run their contract calls in
// parallel.
type reservations struct {
	mu    sync.Mutex
	locks map[common.Address]*reservation
}

type reservation struct {
	mu   sync.Mutex
	refs int
}

func newReservations() *reservations {
	return &reservations{locks: make(map[common.Address]*reservation)}
}

// acquire locks every address in ascending order and returns the release
// func. Duplicates are locked once.
func (r *reservations) acquire(addrs ...common.Address) func() {
	keys := append([]common.Address(nil), addrs...)
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	held := make([]common.Address, 0, len(keys))
	for i, addr := range keys {
		if i > 0 && addr == keys[i-1] {
			continue
		}
		r.mu.Lock()
		res, ok := r.locks[addr]
		if !ok {
			res = &reservation{}
			r.locks[addr] = res
		}
		res.refs++
		r.mu.Unlock()

		res.mu.Lock()
		held = append(held, addr)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			r.release(held[i])
		}
	}
}

func (r *reservations) release(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.locks[addr]
	res.mu.Unlock()
	res.refs--
	if res.refs == 0 {
		delete(r.locks, addr)
	}
}
