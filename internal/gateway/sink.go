package gateway

import (
	"context"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/fanout"
)

// Broadcast pushes ev to every client whose subscription matches and whose
// viewer may see the event's account.
func (s *Server) Broadcast(_ context.Context, ev fanout.Event) error {
	var (
		acct  domain.Account
		known bool
	)
	if ev.AccountID != "" && s.accounts != nil {
		acct, known = s.accounts.Get(ev.AccountID)
	}
	seq := s.eventSeq.Add(1)
	s.clients.Each(func(c *Client) {
		if !c.Wants(ev) {
			return
		}
		if c.Viewer != nil && ev.AccountID != "" {
			// A removed account is no longer visible to anyone scoped.
			if !known || !c.CanSee(acct) {
				return
			}
		}
		if err := c.SendEvent(string(ev.Kind), ev, seq); err != nil {
			s.log.Debug().Err(err).Str("connId", c.ConnID).Str("kind", string(ev.Kind)).Msg("event send failed")
		}
	})
	return nil
}

// Subscribe attaches the broadcaster to every event kind of the hub.
func (s *Server) Subscribe(hub *fanout.Hub) {
	hub.OnAll("gateway", s.Broadcast)
}

// Clients returns the connected client registry.
func (s *Server) Clients() *ClientRegistry { return s.clients }
