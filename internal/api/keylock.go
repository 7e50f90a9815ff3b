package api

import (
	"sync"

	"github.com/shehryarbajwa/docfetch/pkg/models"
)

// keyLocks serialises commands per session key. The registry does not order
// commands for one key itself, so every step-issuing handler holds the
// key's lock for the whole step. An entry lives only while a request holds
// or waits for it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[models.SessionKey]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key models.SessionKey) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[models.SessionKey]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		k.mu.Lock()
		defer k.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
}

func (k *keyLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
