package triplock

import "sort"

// IsClaimedCached reports whether tripKey was claimed as of the last cache
// update. Unknown trips read as unclaimed. It never touches the store.
func (c *Coordinator) IsClaimedCached(tripKey string) bool {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return c.cache[tripKey]
}

// ClaimedTrips returns the cached claimed trip keys in order.
func (c *Coordinator) ClaimedTrips() []string {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	var keys = make([]string, 0, len(c.cache))
	for key := range c.cache {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// rebuildCache replaces the cache with exactly the given claimed keys.
func (c *Coordinator) rebuildCache(keys []string) {
	var next = make(map[string]bool, len(keys))
	for _, key := range keys {
		next[key] = true
	}

	c.cacheMu.Lock()
	c.cache = next
	c.cacheMu.Unlock()
}

// setCached swaps in a copy of the cache with one entry changed.
func (c *Coordinator) setCached(tripKey string, claimed bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	var next = make(map[string]bool, len(c.cache)+1)
	for key := range c.cache {
		next[key] = true
	}
	if claimed {
		next[tripKey] = true
	} else {
		delete(next, tripKey)
	}
	c.cache = next
}
