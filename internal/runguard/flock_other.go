//go:build !unix

package runguard

import (
	"os"
	"sync"
)

// without flock the guard only excludes runs inside this process
var (
	mu     sync.Mutex
	locked = map[string]bool{}
)

func tryLock(f *os.File) (bool, error) {
	mu.Lock()
	defer mu.Unlock()
	if locked[f.Name()] {
		return false, nil
	}
	locked[f.Name()] = true
	return true, nil
}

func unlock(f *os.File) error {
	mu.Lock()
	defer mu.Unlock()
	delete(locked, f.Name())
	return nil
}
