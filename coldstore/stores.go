package coldstore

import (
	"fmt"
	"net/url"
	"sync"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[string]Store)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for different storage schemes.
// This should be called during initialization to register all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// Get returns the Store of |rawURL|, constructing it with its registered
// provider if it's not already cached.
func Get(rawURL string) (Store, error) {
	storesMu.RLock()
	if store, ok := stores[rawURL]; ok {
		storesMu.RUnlock()
		return store, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	if store, ok := stores[rawURL]; ok {
		return store, nil
	}

	var ep, err = url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cold store URL: %w", err)
	} else if ep.Path == "" || ep.Path[len(ep.Path)-1] != '/' {
		return nil, fmt.Errorf("cold store URL path must end in '/': %s", rawURL)
	}
	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported cold store scheme: %s", ep.Scheme)
	}
	store, err := constructor(ep)
	if err != nil {
		return nil, err // Not cached. Construction is retried on the next call.
	}
	stores[rawURL] = store

	return store, nil
}

// GetAll returns the Stores of each of |rawURLs|.
func GetAll(rawURLs []string) ([]Store, error) {
	var out = make([]Store, 0, len(rawURLs))
	for _, u := range rawURLs {
		var store, err = Get(u)
		if err != nil {
			return nil, err
		}
		out = append(out, store)
	}
	return out, nil
}
