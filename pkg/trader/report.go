package trader

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/rebalancer/pkg/models"
	"github.com/gregtusar/rebalancer/pkg/wad"
)

type loggerKey struct{}

func withLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

func loggerFrom(ctx context.Context, fallback *logrus.Logger) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(fallback)
}

// ReportAccount reads the account and logs the full state.
func (p *Policy) ReportAccount(ctx context.Context) (models.AccountSnapshot, error) {
	log := loggerFrom(ctx, p.logger).WithField("label", "[read account]")
	snap, err := p.gateway.ReadAccount(ctx, p.caller)
	if err != nil {
		p.metrics.ReadErrors.Inc()
		log.WithError(err).Error("Read account failed")
		return models.AccountSnapshot{}, err
	}
	p.metrics.ObserveSnapshot(snap)
	LogAccount(log, snap)
	return snap, nil
}

// LogAccount writes the four account report lines.
func LogAccount(log *logrus.Entry, snap models.AccountSnapshot) {
	log.WithFields(logrus.Fields{
		"underlying_asset_balance": snap.UnderlyingAssetBalance.Round4(),
		"position":                 snap.Position.Round4(),
	}).Info("Position")
	log.WithFields(logrus.Fields{
		"collateral_balance": snap.CollateralBalance.Round4(),
		"available_cash":     snap.AvailableCash.Round4(),
		"total":              snap.TotalCollateral().Round4(),
	}).Info("Collateral")
	log.WithFields(logrus.Fields{
		"leverage_set": snap.TargetLeverage.Round4(),
		"leverage_now": snap.EffectiveLeverage.Round4(),
	}).Info("Leverage")

	direction := "paying funding"
	if snap.IsReceivingFunding {
		direction = "receiving funding"
	}
	entry := log.WithFields(logrus.Fields{
		"direction":    direction,
		"funding_rate": percent(snap.FundingRate),
	})
	if !snap.FundingConsistent() {
		entry.Warn("Funding direction disagrees with funding rate sign")
		return
	}
	entry.Info("Funding")
}

func percent(w wad.Wad) string {
	return fmt.Sprintf("%.4f%%", w.Float64()*100)
}
