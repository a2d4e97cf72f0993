package models

import (
	"time"

	"github.com/gregtusar/rebalancer/pkg/wad"
)

// AccountSnapshot is the arbitrage account as read once per cycle.
type AccountSnapshot struct {
	UnderlyingAssetBalance wad.Wad
	CollateralBalance      wad.Wad
	AvailableCash          wad.Wad
	Position               wad.Wad // positive long, negative short
	TargetLeverage         wad.Wad
	EffectiveLeverage      wad.Wad
	FundingRate            wad.Wad
	IsReceivingFunding     bool
	ReadAt                 time.Time
}

// HasPosition reports whether there is anything to close.
func (s AccountSnapshot) HasPosition() bool {
	return !s.Position.IsZero()
}

// TotalCollateral is collateral plus available cash.
func (s AccountSnapshot) TotalCollateral() wad.Wad {
	return s.CollateralBalance.Add(s.AvailableCash)
}

// FundingConsistent reports whether IsReceivingFunding agrees with the sign
// of FundingRate.
func (s AccountSnapshot) FundingConsistent() bool {
	return s.IsReceivingFunding == (s.FundingRate.Sign() > 0)
}
