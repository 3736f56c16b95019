package ledger

import "github.com/google/uuid"

// IDProvider issues price cycle identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// SequenceProvider hands out a fixed list of identifiers in order and falls back to
// another provider once the list is exhausted. Replays use it to reproduce the cycle
// ids recorded in the event stream.
type SequenceProvider struct {
	ids      []string
	next     int
	fallback IDProvider
}

// NewSequenceProvider constructs a SequenceProvider. A nil fallback issues UUIDv7 ids.
func NewSequenceProvider(ids []string, fallback IDProvider) *SequenceProvider {
	if fallback == nil {
		fallback = NewUUIDProvider()
	}
	copied := append([]string(nil), ids...)
	return &SequenceProvider{ids: copied, fallback: fallback}
}

func (p *SequenceProvider) NewID() (string, error) {
	if p.next < len(p.ids) {
		id := p.ids[p.next]
		p.next++
		return id, nil
	}
	return p.fallback.NewID()
}
