package classify

import (
	"time"

	"github.com/recaplabs/recap/internal/models"
)

// Policy resolves errors to retry traits, overlaying configured
// base-backoff overrides on the category defaults. The zero value and
// nil both behave as the default policy.
type Policy struct {
	baseOverrides map[models.ErrorCategory]time.Duration
}

// NewPolicy builds a Policy from category-name keyed backoff overrides,
// as loaded from configuration. Names that match no known retriable
// category are ignored; overrides never make a terminal category
// retriable.
func NewPolicy(baseBackoffs map[string]time.Duration) *Policy {
	p := &Policy{}
	for name, d := range baseBackoffs {
		cat := models.ErrorCategory(name)
		trait, ok := categoryTraits[cat]
		if !ok || !trait.Retriable {
			continue
		}
		if p.baseOverrides == nil {
			p.baseOverrides = make(map[models.ErrorCategory]time.Duration)
		}
		p.baseOverrides[cat] = d
	}
	return p
}

// Classify maps a raw error to its category with the policy's backoff.
func (p *Policy) Classify(err error) Classification {
	return p.apply(Classify(err))
}

// ForCategory returns the policy's classification for a known category.
func (p *Policy) ForCategory(cat models.ErrorCategory) Classification {
	return p.apply(ForCategory(cat))
}

func (p *Policy) apply(c Classification) Classification {
	if p == nil {
		return c
	}
	if d, ok := p.baseOverrides[c.Category]; ok {
		c.BaseBackoff = d
	}
	return c
}
