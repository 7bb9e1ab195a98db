package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNameTaken   = errors.New("name is taken")
	ErrNameUnknown = errors.New("name is not registered")
)

// MemStore keeps registered names per namespace.
type MemStore struct {
	mx *sync.Mutex
	db map[string]map[string]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]map[string]struct{}),
	}
}

// Claim registers name within key. An empty name gets a random one.
func (ms *MemStore) Claim(key, name string) (string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if name == "" {
		name = uuid.NewString()
	}
	names, ok := ms.db[key]
	if !ok {
		names = make(map[string]struct{})
		ms.db[key] = names
	}
	if _, ok = names[name]; ok {
		return "", ErrNameTaken
	}
	names[name] = struct{}{}
	return name, nil
}

func (ms *MemStore) Release(key, name string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	names, ok := ms.db[key]
	if !ok {
		return ErrNameUnknown
	}
	if _, ok = names[name]; !ok {
		return ErrNameUnknown
	}
	delete(names, name)
	if len(names) == 0 {
		delete(ms.db, key)
	}
	return nil
}

func (ms *MemStore) Claimed(key, name string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	_, ok := ms.db[key][name]
	return ok
}

// List returns names registered within key, sorted.
func (ms *MemStore) List(key string) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	names := make([]string, 0, len(ms.db[key]))
	for name := range ms.db[key] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
