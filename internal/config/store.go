package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrInvalidSetting is returned by Update callbacks that reject a value.
	ErrInvalidSetting = errors.New("invalid setting")
	// ErrOwnerLocked reports that a reload tried to change a bound owner.
	// The rest of the reload is applied.
	ErrOwnerLocked = errors.New("allowed_user_id is already bound")
)

// Store owns the process-wide Settings. Reads are snapshots; every write goes
// through Update, which persists the whole file before returning.
type Store struct {
	home string

	mu   sync.RWMutex
	file Settings // as persisted on disk
	cur  Settings // file plus environment overrides

	subsMu sync.Mutex
	subs   map[int]func(Settings)
	nextID int
}

// OpenStore loads settings from home and returns a Store over them.
func OpenStore(home string) (*Store, error) {
	file, err := readFile(home)
	if err != nil {
		return nil, err
	}
	return &Store{
		home: home,
		file: file,
		cur:  effective(file),
		subs: make(map[int]func(Settings)),
	}, nil
}

// Home returns the gopaw home directory backing this store.
func (s *Store) Home() string {
	return s.home
}

// Path returns the config.yaml path.
func (s *Store) Path() string {
	return ConfigPath(s.home)
}

// Get returns a snapshot of the effective settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Update applies fn to a copy of the persisted settings, writes the result to
// disk and only then makes it visible. Subscribers run after the write, on the
// caller's goroutine. If fn or the write fails nothing changes.
func (s *Store) Update(fn func(*Settings) error) error {
	s.mu.Lock()
	next := s.file.clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	normalize(&next)
	next.NeedsSetup = false
	if err := Save(s.home, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist settings: %w", err)
	}
	s.file = next
	s.cur = effective(next)
	snapshot := s.cur.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// Reload re-reads config.yaml. Subscribers are notified only when the
// persisted content differs from what the store already holds. A bound
// owner survives the reload: the edited value is ignored and ErrOwnerLocked
// is returned alongside the applied change.
func (s *Store) Reload() (bool, error) {
	file, err := readFile(s.home)
	if err != nil {
		return false, err
	}
	var ownerErr error
	s.mu.Lock()
	if owner := s.file.AllowedUserID; owner != 0 && file.AllowedUserID != owner {
		ownerErr = fmt.Errorf("%w to %d, ignoring %d", ErrOwnerLocked, owner, file.AllowedUserID)
		file.AllowedUserID = owner
	}
	if reflect.DeepEqual(file, s.file) {
		s.mu.Unlock()
		return false, ownerErr
	}
	s.file = file
	s.cur = effective(file)
	snapshot := s.cur.clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return true, ownerErr
}

// Subscribe registers fn to run after every change. The returned func removes it.
func (s *Store) Subscribe(fn func(Settings)) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify(snapshot Settings) {
	s.subsMu.Lock()
	fns := make([]func(Settings), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(snapshot.clone())
	}
}
