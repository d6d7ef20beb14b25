package services

import (
	"context"
	"encoding/json"
	"math"
	"sync"

	"flykup-live/internal/domain"

	"github.com/go-redis/redis/v8"
)

const nextBidSuggestions = 3

// IncrementRules produces next-bid suggestions when the server does not
// supply them. A fixed per-auction increment wins; otherwise an optional
// percentage of the current bid, otherwise the amount-banded ladder.
// The ladder is shared across instances through Redis so hosts see the
// same suggestions everywhere.
type IncrementRules struct {
	client  *redis.Client
	mu      sync.RWMutex
	rules   domain.BidIncrementRules
	percent float64
}

// NewIncrementRules builds rules with the default ladder. The Redis client
// may be nil for library use; LoadRules is then a no-op.
func NewIncrementRules(client *redis.Client) *IncrementRules {
	return &IncrementRules{
		client: client,
		rules:  defaultIncrementRules(),
	}
}

func defaultIncrementRules() domain.BidIncrementRules {
	return domain.BidIncrementRules{
		Bands: map[string]float64{
			"0-100":   5.0,
			"100-500": 10.0,
			"500+":    25.0,
		},
	}
}

func (r *IncrementRules) LoadRules(ctx context.Context) error {
	if r.client == nil {
		return nil
	}

	data, err := r.client.Get(ctx, "bid_increment_rules").Result()
	if err != nil {
		if err == redis.Nil {
			return r.saveRules(ctx)
		}
		return err
	}

	var rules domain.BidIncrementRules
	if err := json.Unmarshal([]byte(data), &rules); err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	return nil
}

func (r *IncrementRules) saveRules(ctx context.Context) error {
	r.mu.RLock()
	data, err := json.Marshal(r.rules)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	return r.client.Set(ctx, "bid_increment_rules", string(data), 0).Err()
}

// SetPercent switches suggestion computation to a percentage of the
// current bid. Zero restores ladder mode.
func (r *IncrementRules) SetPercent(percent float64) {
	r.mu.Lock()
	r.percent = percent
	r.mu.Unlock()
}

func (r *IncrementRules) Ladder(amount float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if amount < 100 {
		return r.rules.Bands["0-100"]
	} else if amount < 500 {
		return r.rules.Bands["100-500"]
	}
	return r.rules.Bands["500+"]
}

// Hint returns the increment to suggest on top of amount. A positive fixed
// increment from the auction start takes precedence.
func (r *IncrementRules) Hint(amount float64, fixed *float64) float64 {
	if fixed != nil && *fixed > 0 {
		return *fixed
	}

	r.mu.RLock()
	percent := r.percent
	r.mu.RUnlock()

	if percent > 0 {
		return math.Ceil(amount * percent / 100)
	}
	return r.Ladder(amount)
}

// NextBids computes the suggestion row shown next to the bid input.
func (r *IncrementRules) NextBids(current float64, fixed *float64) []float64 {
	inc := r.Hint(current, fixed)
	if inc <= 0 {
		return nil
	}

	bids := make([]float64, 0, nextBidSuggestions)
	for i := 1; i <= nextBidSuggestions; i++ {
		bids = append(bids, current+inc*float64(i))
	}
	return bids
}
