package services

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultOfferPendingTTL = 72 * time.Hour
	offerExpiryInterval    = time.Minute
	offerExpiryBatch       = 100
)

// OfferExpiryService expires pending offers nobody answered within the TTL
type OfferExpiryService struct {
	chat     *ChatService
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewOfferExpiryService(chat *ChatService, ttl time.Duration) *OfferExpiryService {
	if ttl <= 0 {
		ttl = DefaultOfferPendingTTL
	}
	return &OfferExpiryService{
		chat:     chat,
		ttl:      ttl,
		interval: offerExpiryInterval,
		now:      time.Now,
	}
}

// Run checks for stale offers every interval until ctx is cancelled
func (s *OfferExpiryService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Offer expiry checker started", "ttl", s.ttl)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Offer expiry checker stopped")
			return
		case <-ticker.C:
			s.checkExpired(ctx)
		}
	}
}

// checkExpired expires stale offers batch by batch
func (s *OfferExpiryService) checkExpired(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)
	total := 0
	for ctx.Err() == nil {
		expired, err := s.chat.ExpireStaleOffers(ctx, cutoff, offerExpiryBatch)
		if err != nil {
			slog.Error("Failed to expire offers", "error", err)
			break
		}
		total += expired
		if expired < offerExpiryBatch {
			break
		}
	}
	if total > 0 {
		slog.Info("Expired stale offers", "count", total)
	}
	return total
}
