// Package ranking orders publicly visible ads for listing pages.
//
// Ranking is a pure function of the candidate ads, their promotions and the
// current instant: promoted ads first (by tier, then priority, then a daily
// rotation hash), then everything else by recency. Two calls with the same
// inputs on the same calendar date return the same order.
package ranking

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tbourn/go-market-backend/internal/domain"
)

// DateLayout is the calendar-date format mixed into the rotation hash.
const DateLayout = "2006-01-02"

// Entry is one ranked ad together with the metadata used to order it.
// Unpromoted entries carry zero TierRank, Priority and RotationKey.
type Entry struct {
	AdID        string               `json:"ad_id"`
	Promoted    bool                 `json:"promoted"`
	Tier        domain.PromotionType `json:"tier,omitempty"`
	TierRank    int                  `json:"tier_rank,omitempty"`
	Priority    int                  `json:"priority,omitempty"`
	RotationKey uint64               `json:"-"`

	publishedAt time.Time
	createdAt   time.Time
}

// Ranker computes listing order. The zero value uses the server's local
// time zone for the rotation date.
type Ranker struct {
	Location *time.Location
}

// New returns a Ranker that evaluates calendar dates in loc.
func New(loc *time.Location) Ranker {
	return Ranker{Location: loc}
}

// Date returns the calendar date of now in the ranker's location.
func (r Ranker) Date(now time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(DateLayout)
}

// RotationKey hashes (adID, date) into the daily tie-breaker.
func RotationKey(adID, date string) uint64 {
	return xxhash.Sum64String(adID + "|" + date)
}

// Key computes the ranking key of one ad from the promotions that are active
// at now. Promotions belonging to other ads are ignored.
func (r Ranker) Key(ad *domain.Ad, promos []domain.AdPromotion, now time.Time) Entry {
	return r.key(ad, promos, now, r.Date(now))
}

func (r Ranker) key(ad *domain.Ad, promos []domain.AdPromotion, now time.Time, date string) Entry {
	e := Entry{AdID: ad.ID, createdAt: ad.CreatedAt}
	if ad.PublishedAt != nil {
		e.publishedAt = *ad.PublishedAt
	}
	for i := range promos {
		p := &promos[i]
		if p.AdID != ad.ID || !p.IsActiveAt(now) {
			continue
		}
		tr := p.Type.TierRank()
		switch {
		case !e.Promoted:
			e.Promoted = true
			e.Tier, e.TierRank, e.Priority = p.Type, tr, p.Priority
		case tr < e.TierRank:
			e.Tier, e.TierRank = p.Type, tr
		}
		if p.Priority < e.Priority {
			e.Priority = p.Priority
		}
	}
	if e.Promoted {
		e.RotationKey = RotationKey(ad.ID, date)
	}
	return e
}

// Rank returns ads in display order. The rotation date is read from now once
// for the whole call.
func (r Ranker) Rank(ads []domain.Ad, promos []domain.AdPromotion, now time.Time) []Entry {
	date := r.Date(now)

	byAd := make(map[string][]domain.AdPromotion, len(promos))
	for _, p := range promos {
		byAd[p.AdID] = append(byAd[p.AdID], p)
	}

	out := make([]Entry, 0, len(ads))
	for i := range ads {
		out = append(out, r.key(&ads[i], byAd[ads[i].ID], now, date))
	}
	sort.SliceStable(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

func less(a, b *Entry) bool {
	if a.Promoted != b.Promoted {
		return a.Promoted
	}
	if a.Promoted {
		if a.TierRank != b.TierRank {
			return a.TierRank < b.TierRank
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.RotationKey != b.RotationKey {
			return a.RotationKey < b.RotationKey
		}
	}
	if !a.publishedAt.Equal(b.publishedAt) {
		return a.publishedAt.After(b.publishedAt)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.After(b.createdAt)
	}
	return a.AdID < b.AdID
}

// IDs returns the ad ids of entries in order.
func IDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.AdID
	}
	return ids
}
