package channel

import (
	"marketlens/logger"
	"marketlens/models"
)

// SummarySubscriber logs a one line summary of every value. Book and trade
// summaries are debug level; state changes are info.
func SummarySubscriber(log *logger.Log) Subscriber {
	if log == nil {
		log = logger.GetLogger()
	}
	entry := log.WithComponent("summary")
	return Subscriber{
		Name: "summary",
		OnBook: func(s models.BookSnapshot) {
			fields := logger.Fields{
				"symbol": s.Symbol,
				"buys":   len(s.Buys),
				"sells":  len(s.Sells),
				"spread": s.Spread(),
			}
			if bid, ok := s.BestBid(); ok {
				fields["best_bid"] = bid.ActualPrice()
			}
			if ask, ok := s.BestAsk(); ok {
				fields["best_ask"] = ask.ActualPrice()
			}
			entry.WithFields(fields).Debug("book")
		},
		OnTrades: func(s models.TradeSnapshot) {
			fields := logger.Fields{
				"symbol":   s.Symbol,
				"inserted": len(s.Inserted),
				"tape":     len(s.Trades),
			}
			if len(s.Trades) > 0 {
				fields["last_price"] = s.Trades[0].Price
				fields["last_side"] = s.Trades[0].Side
			}
			entry.WithFields(fields).Debug("trades")
		},
		OnState: func(c models.StateChange) {
			entry.WithFields(logger.Fields{
				"state":     c.Kind,
				"label":     c.Label,
				"message":   c.Message,
				"session":   c.Session,
				"retryable": c.State.Retryable(),
			}).Info("connection state")
		},
	}
}
