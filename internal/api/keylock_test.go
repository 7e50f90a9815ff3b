package api

import (
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/docfetch/pkg/models"
)

func TestKeyLocksSerialiseOneKey(t *testing.T) {
	var k keyLocks
	key := models.SessionKey{Lead: "L1", App: "A1"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer k.lock(key)()

			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if overlap {
		t.Fatal("two commands for one key ran at once")
	}
	if n := k.len(); n != 0 {
		t.Fatalf("%d lock entries left after every command finished", n)
	}
}

func TestKeyLocksDoNotBlockOtherKeys(t *testing.T) {
	var k keyLocks
	unlock := k.lock(models.SessionKey{Lead: "L1", App: "A1"})
	defer unlock()

	done := make(chan struct{})
	go func() {
		k.lock(models.SessionKey{Lead: "L2", App: "A2"})()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a held key blocked another key")
	}
	if n := k.len(); n != 1 {
		t.Fatalf("%d lock entries, want the held one only", n)
	}
}
