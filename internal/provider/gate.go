package provider

import (
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/metrics"
)

// Gate forwards provider events only for active, known accounts. For an
// inactive account it stops the account's listener and drops the event.
type Gate struct {
	accounts domain.AccountSource
	stop     func(accountID string)
	log      *logging.Logger
}

// NewGate builds a gate. stop is normally the provider's
// StopAccountListening.
func NewGate(accounts domain.AccountSource, stop func(string), log *logging.Logger) *Gate {
	return &Gate{accounts: accounts, stop: stop, log: log}
}

// Allow reports whether events for accountID may be forwarded.
func (g *Gate) Allow(accountID string) bool {
	acct, ok := g.accounts.Get(accountID)
	switch {
	case !ok:
		metrics.Default().EventsDropped.WithLabelValues("unknown_account").Inc()
		g.log.Debug().Str("account", accountID).Msg("event for unknown account dropped")
		return false
	case !acct.Active:
		metrics.Default().EventsDropped.WithLabelValues("inactive").Inc()
		g.log.Info().Str("account", accountID).Msg("account inactive, detaching listener")
		g.stop(accountID)
		return false
	}
	return true
}
