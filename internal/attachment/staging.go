package attachment

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/ent0n29/parley/internal/session"
)

// Staging holds uploaded attachments, local data included, until a message
// claims them. Unclaimed entries expire after the TTL.
type Staging struct {
	entries *gocache.Cache
}

func NewStaging(ttl time.Duration) *Staging {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Staging{entries: gocache.New(ttl, ttl/2)}
}

func (s *Staging) Put(a session.Attachment) {
	s.entries.SetDefault(a.ID, a)
}

func (s *Staging) Get(id string) (session.Attachment, bool) {
	v, ok := s.entries.Get(strings.TrimSpace(id))
	if !ok {
		return session.Attachment{}, false
	}
	return v.(session.Attachment), true
}

// Take resolves every id and removes them from staging. Nothing is removed
// when any id is unknown.
func (s *Staging) Take(ids []string) ([]session.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]session.Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := s.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		out = append(out, a)
	}
	for _, a := range out {
		s.entries.Delete(a.ID)
	}
	return out, nil
}

func (s *Staging) Len() int { return s.entries.ItemCount() }
