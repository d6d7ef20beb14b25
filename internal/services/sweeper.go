package services

import (
	"time"

	"flykup-live/pkg/logger"

	"github.com/robfig/cron/v3"
)

// SessionSweeper evicts finished auction and giveaway sessions once they
// have been quiet for the configured TTL. Running sessions are never
// touched.
type SessionSweeper struct {
	cron      *cron.Cron
	auctions  *AuctionMachine
	giveaways *GiveawayMachine
	ttl       time.Duration
	log       logger.Logger
}

func NewSessionSweeper(auctions *AuctionMachine, giveaways *GiveawayMachine,
	ttl time.Duration, log logger.Logger) *SessionSweeper {
	return &SessionSweeper{
		cron:      cron.New(),
		auctions:  auctions,
		giveaways: giveaways,
		ttl:       ttl,
		log:       log,
	}
}

func (s *SessionSweeper) Start() error {
	s.log.Info("Starting session sweeper", "ttl", s.ttl.String())

	_, err := s.cron.AddFunc("@every 1m", s.sweep)
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

func (s *SessionSweeper) Stop() error {
	s.log.Info("Stopping session sweeper")
	s.cron.Stop()
	return nil
}

func (s *SessionSweeper) sweep() {
	auctions := s.auctions.EvictEnded(s.ttl)
	giveaways := s.giveaways.EvictDrawn(s.ttl)
	if auctions+giveaways > 0 {
		s.log.Info("Evicted stale sessions", "auctions", auctions, "giveaways", giveaways)
	}
}
