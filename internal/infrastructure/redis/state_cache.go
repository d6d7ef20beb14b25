package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"flykup-live/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisLiveStateCache mirrors the latest auction snapshot per
// (stream, product) so freshly connected instances and dashboards can read
// the live state without replaying the event stream.
type RedisLiveStateCache struct {
	client *redis.Client
}

func NewLiveStateCache(client *redis.Client) *RedisLiveStateCache {
	return &RedisLiveStateCache{client: client}
}

func auctionKey(streamID, productID string) string {
	return fmt.Sprintf("live:%s:%s:auction", streamID, productID)
}

func (r *RedisLiveStateCache) SaveAuctionSnapshot(ctx context.Context, snap domain.AuctionSnapshot) error {
	key := auctionKey(snap.StreamID, snap.ProductID)

	fields := []interface{}{
		"state", snap.State,
		"session_id", snap.UniqueSessionID,
		"auction_number", snap.AuctionNumber,
		"starting_bid", fmt.Sprintf("%.2f", snap.StartingBid),
		"current_bid", fmt.Sprintf("%.2f", snap.CurrentHighest),
		"bid_count", snap.BidCount,
		"ends_at", snap.EndsAt.UnixMilli(),
		"last_updated", time.Now().Unix(),
	}
	if snap.HighestBidder != nil {
		fields = append(fields, "highest_bidder", snap.HighestBidder.ID)
	}
	if snap.Winner != nil {
		fields = append(fields, "winner_id", snap.Winner.ID)
	}

	return r.client.HSet(ctx, key, fields...).Err()
}

func (r *RedisLiveStateCache) GetAuctionSnapshot(ctx context.Context, streamID, productID string) (*domain.AuctionSnapshot, error) {
	key := auctionKey(streamID, productID)

	result, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	snap := &domain.AuctionSnapshot{
		StreamID:        streamID,
		ProductID:       productID,
		State:           result["state"],
		UniqueSessionID: result["session_id"],
	}
	if v, ok := result["starting_bid"]; ok {
		snap.StartingBid, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := result["current_bid"]; ok {
		snap.CurrentHighest, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := result["auction_number"]; ok {
		snap.AuctionNumber, _ = strconv.Atoi(v)
	}
	if v, ok := result["bid_count"]; ok {
		snap.BidCount, _ = strconv.Atoi(v)
	}
	if v, ok := result["ends_at"]; ok {
		if millis, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.EndsAt = time.UnixMilli(millis)
		}
	}
	if v, ok := result["highest_bidder"]; ok && v != "" {
		snap.HighestBidder = &domain.UserRef{ID: v}
	}
	if v, ok := result["winner_id"]; ok && v != "" {
		snap.Winner = &domain.UserRef{ID: v}
	}

	return snap, nil
}

func (r *RedisLiveStateCache) DeleteAuctionSnapshot(ctx context.Context, streamID, productID string) error {
	return r.client.Del(ctx, auctionKey(streamID, productID)).Err()
}
