package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Marketplace is the singleton governance state of the ledger.
//
// Version increases by one with every committed transition and is used for
// optimistic concurrency between replicas sharing a store.
type Marketplace struct {
	Admin         common.Address `json:"admin"`
	FeeBps        uint64         `json:"fee_bps"`
	Counter       uint64         `json:"total_listings"`
	Paused        bool           `json:"paused"`
	Initialized   bool           `json:"initialized"`
	Volume        *uint256.Int   `json:"volume"`
	FeesCollected *uint256.Int   `json:"fees_collected"`
	Version       uint64         `json:"version"`
}

// NewMarketplace returns the uninitialized state.
func NewMarketplace() Marketplace {
	return Marketplace{Volume: new(uint256.Int), FeesCollected: new(uint256.Int)}
}

// Clone returns a copy that shares no mutable state with m.
func (m Marketplace) Clone() Marketplace {
	c := m
	c.Volume = orZero(m.Volume).Clone()
	c.FeesCollected = orZero(m.FeesCollected).Clone()
	return c
}
