// Package secretstore resolves named secrets, preferring the OS keyring and
// falling back to files so headless hosts without a session bus still work.
package secretstore

// Store reads and writes named secrets.
type Store interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
}

// Default is the store used by the config loader.
var Default Store = fallback{keyringStore("burp-exporter"), fileStore{}}

// fallback delegates to primary and retries on secondary when primary fails.
type fallback struct {
	primary   Store
	secondary Store
}

func (f fallback) Put(name string, data []byte) error {
	if err := f.primary.Put(name, data); err != nil {
		return f.secondary.Put(name, data)
	}
	return nil
}

func (f fallback) Get(name string) ([]byte, error) {
	data, err := f.primary.Get(name)
	if err != nil {
		return f.secondary.Get(name)
	}
	return data, nil
}

func (f fallback) Delete(name string) error {
	if err := f.primary.Delete(name); err != nil {
		return f.secondary.Delete(name)
	}
	return nil
}
