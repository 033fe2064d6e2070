package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockReleasesKeys(t *testing.T) {
	var m Map
	unlock := m.Lock("a")
	assert.Equal(t, 1, m.Len())
	unlock()
	assert.Zero(t, m.Len())
}

func TestSameKeySerializes(t *testing.T) {
	var m Map
	unlock := m.Lock("coops/#")

	acquired := make(chan struct{})
	go func() {
		release := m.Lock("coops/#")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the key")
	}
}

func TestDistinctKeysIndependent(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")
	defer unlockA()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Lock("b")()
	}()
	wg.Wait()
}
