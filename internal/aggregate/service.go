// Package aggregate merges chats from every linked account a viewer may
// see into one inbox, and routes per-chat reads and sends to the owning
// provider.
package aggregate

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/unibox/internal/cache"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/metrics"
)

// DefaultTTL absorbs dashboard polling bursts.
const DefaultTTL = 3 * time.Second

// List statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Providers resolves platform adapters.
type Providers interface {
	Get(p domain.Platform) (domain.MessageProvider, bool)
	ForChat(chatID string) (domain.MessageProvider, string, error)
}

// AccountError reports one account whose chats could not be listed.
type AccountError struct {
	AccountID string `json:"accountId"`
	Error     string `json:"error"`
}

// ChatList is an aggregated chat listing. It is well formed even when
// every account failed.
type ChatList struct {
	Chats      []domain.ChatInfo `json:"chats"`
	TotalCount int               `json:"totalCount"`
	HasMore    bool              `json:"hasMore"`
	Status     string            `json:"status"`
	Errors     []AccountError    `json:"errors,omitempty"`
}

type listKey struct {
	request string
	limit   int
}

// Service is the aggregation layer the gateway talks to.
type Service struct {
	accounts  domain.AccountSource
	providers Providers
	lists     *cache.TTL[listKey, ChatList]
	fanout    int
	log       *logging.Logger
}

// New creates a service. ttl <= 0 uses DefaultTTL.
func New(accounts domain.AccountSource, providers Providers, ttl time.Duration, log *logging.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		accounts:  accounts,
		providers: providers,
		lists:     cache.NewTTL[listKey, ChatList](ttl),
		fanout:    8,
		log:       log.Sub("aggregate"),
	}
}

// Close drops cached listings.
func (s *Service) Close() { s.lists.Close() }

// ListChats returns the merged inbox of every active account visible to
// the viewer. limit <= 0 returns everything.
func (s *Service) ListChats(ctx context.Context, viewer domain.Viewer, limit int) (ChatList, error) {
	key := listKey{request: viewer.Key(), limit: limit}
	list, hit, err := s.lists.GetOrLoad(ctx, key, func(ctx context.Context) (ChatList, error) {
		var accts []domain.Account
		for _, a := range s.accounts.List("") {
			if a.Active && a.VisibleTo(viewer) {
				accts = append(accts, a)
			}
		}
		return s.collect(ctx, accts, limit), nil
	})
	metrics.Default().CacheResult("chats", hit)
	return list, err
}

// ChatsForAccount lists one account's chats regardless of viewer.
func (s *Service) ChatsForAccount(ctx context.Context, accountID string) (ChatList, error) {
	acct, ok := s.accounts.Get(accountID)
	if !ok {
		return ChatList{}, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountID)
	}
	key := listKey{request: accountKey(accountID)}
	list, hit, err := s.lists.GetOrLoad(ctx, key, func(ctx context.Context) (ChatList, error) {
		chats, err := s.fetch(ctx, acct)
		if err != nil {
			return ChatList{}, err
		}
		domain.SortChats(chats)
		return ChatList{Chats: chats, TotalCount: len(chats), Status: StatusOK}, nil
	})
	metrics.Default().CacheResult("chats", hit)
	return list, err
}

// ListMessages reads a page of one chat's history.
func (s *Service) ListMessages(ctx context.Context, chatID string, limit int) (domain.MessagePage, error) {
	prov, acct, err := s.providers.ForChat(chatID)
	if err != nil {
		return domain.MessagePage{}, err
	}
	if _, ok := s.accounts.Get(acct); !ok {
		return domain.MessagePage{}, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, acct)
	}
	return prov.GetMessages(ctx, chatID, limit)
}

// Send sends through the chat's account and invalidates cached listings
// that include it.
func (s *Service) Send(ctx context.Context, chatID string, req domain.SendRequest) (domain.SendResult, error) {
	prov, acct, err := s.providers.ForChat(chatID)
	if err != nil {
		return domain.SendResult{}, err
	}
	if _, ok := s.accounts.Get(acct); !ok {
		return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, acct)
	}
	res, err := prov.SendMessage(ctx, chatID, req)
	if err != nil {
		return res, err
	}
	s.Invalidate(acct)
	return res, nil
}

// Invalidate drops the account's own listing and every viewer listing.
func (s *Service) Invalidate(accountID string) {
	own := accountKey(accountID)
	s.lists.DeleteFunc(func(k listKey) bool {
		return k.request == own || !strings.HasPrefix(k.request, "account:")
	})
}

func accountKey(id string) string { return "account:" + id }

func (s *Service) fetch(ctx context.Context, acct domain.Account) ([]domain.ChatInfo, error) {
	prov, ok := s.providers.Get(acct.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, acct.Platform)
	}
	return prov.GetChats(ctx, acct.ID)
}

// collect fetches every account concurrently and merges the results.
// Failed accounts are reported, not fatal.
func (s *Service) collect(ctx context.Context, accts []domain.Account, limit int) ChatList {
	var (
		mu    sync.Mutex
		chats []domain.ChatInfo
		errs  []AccountError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for _, a := range accts {
		g.Go(func() error {
			got, err := s.fetch(gctx, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Str("account", a.ID).Msg("chat listing failed")
				errs = append(errs, AccountError{AccountID: a.ID, Error: err.Error()})
				return nil
			}
			chats = append(chats, got...)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(chats, func(a, b domain.ChatInfo) int { return cmp.Compare(a.ID, b.ID) })
	merged := Merge(chats)
	list := ChatList{Chats: merged, TotalCount: len(merged), Status: StatusOK}
	if limit > 0 && len(merged) > limit {
		list.Chats = merged[:limit]
		list.HasMore = true
	}
	if len(errs) > 0 {
		slices.SortFunc(errs, func(a, b AccountError) int { return cmp.Compare(a.AccountID, b.AccountID) })
		list.Errors = errs
		list.Status = StatusPartial
		if len(errs) == len(accts) {
			list.Status = StatusFailed
		}
	}
	return list
}

// Merge folds chats sharing a groupId into one card. The most recently
// active chat is the card's primary, unread counts are summed and every
// contributing account is listed. The result is sorted newest first.
func Merge(chats []domain.ChatInfo) []domain.ChatInfo {
	idx := make(map[string]int, len(chats))
	out := make([]domain.ChatInfo, 0, len(chats))
	for _, c := range chats {
		key := c.GroupID
		if key == "" {
			key = c.ID
		}
		i, ok := idx[key]
		if !ok {
			c.Accounts = []string{c.AccountID}
			idx[key] = len(out)
			out = append(out, c)
			continue
		}
		cur := out[i]
		accounts := cur.Accounts
		if !slices.Contains(accounts, c.AccountID) {
			accounts = append(accounts, c.AccountID)
		}
		unread := cur.UnreadCount + c.UnreadCount
		if c.LastMessageTime.After(cur.LastMessageTime) {
			cur = c
		}
		slices.Sort(accounts)
		cur.Accounts = accounts
		cur.UnreadCount = unread
		out[i] = cur
	}
	domain.SortChats(out)
	return out
}
