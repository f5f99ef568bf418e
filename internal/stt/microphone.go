package stt

import (
	"errors"
	"sync"
)

var ErrMicrophoneBusy = errors.New("microphone is already in use")

// Microphone arbitrates exclusive use of capture sources. One owner may hold a source at a
// time across the whole process.
type Microphone struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMicrophone() *Microphone {
	return &Microphone{owners: make(map[string]string)}
}

// Claim reserves source for owner. Claiming a source the owner already holds is allowed.
func (m *Microphone) Claim(source, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.owners[source]; ok && current != owner {
		return ErrMicrophoneBusy
	}
	m.owners[source] = owner
	return nil
}

// Release frees source if owner holds it.
func (m *Microphone) Release(source, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[source] == owner {
		delete(m.owners, source)
	}
}

func (m *Microphone) Owner(source string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[source]
	return owner, ok
}
