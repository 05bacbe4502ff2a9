package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/nifty_backtester/internal/models"
)

// Observer receives progress after every simulated day. It is advisory:
// results are the same with or without one.
type Observer interface {
	OnDay(index, total int, date time.Time)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(index, total int, date time.Time)

// OnDay calls f.
func (f ObserverFunc) OnDay(index, total int, date time.Time) { f(index, total, date) }

// LogObserver logs progress every Every days and on the last day.
type LogObserver struct {
	Logger logrus.FieldLogger
	Every  int
}

// OnDay implements Observer.
func (o LogObserver) OnDay(index, total int, date time.Time) {
	every := o.Every
	if every <= 0 {
		every = 20
	}
	if (index+1)%every != 0 && index+1 != total {
		return
	}
	o.Logger.WithFields(logrus.Fields{
		"day":   index + 1,
		"total": total,
		"date":  date.Format(models.DateLayout),
	}).Info("Backtest progress")
}
