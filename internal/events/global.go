package events

import "sync"

var (
	globalBus     EventBus
	globalBusLock sync.RWMutex
)

// SetGlobalEventBus installs the process-wide event bus instance.
func SetGlobalEventBus(bus EventBus) {
	globalBusLock.Lock()
	defer globalBusLock.Unlock()
	globalBus = bus
}

// GetGlobalEventBus returns the process-wide event bus, or nil before setup.
func GetGlobalEventBus() EventBus {
	globalBusLock.RLock()
	defer globalBusLock.RUnlock()
	return globalBus
}
