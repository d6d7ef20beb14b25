package domain

import "errors"

var (
	ErrAuctionNotFound        = errors.New("auction session not found")
	ErrAuctionNotActive       = errors.New("auction is not active")
	ErrAuctionAlreadyRunning  = errors.New("an auction for this product is already running")
	ErrBidTooLow              = errors.New("bid must exceed the current highest bid")
	ErrInvalidStartingBid     = errors.New("starting bid must be positive")
	ErrTimerTooShort          = errors.New("auction timer must be at least 10 seconds")
	ErrReserveBelowStart      = errors.New("reserve price must exceed the starting bid")
	ErrReserveAboveStart      = errors.New("reserve price must be below the starting bid")
	ErrDecrementalUnsupported = errors.New("decremental bidding is not supported")
	ErrGiveawayEnded          = errors.New("giveaway has already been drawn")
	ErrSessionStopped         = errors.New("media session stopped")
	ErrDeviceNotLoaded        = errors.New("media device is not loaded")
)
