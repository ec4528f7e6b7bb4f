package telegram

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/soyeahso/unibox/internal/domain"
)

const platform = domain.PlatformTelegram

// serviceUserID is Telegram's own notification account.
const serviceUserID = 777000

// Native chat ids follow the Bot API marking: users are the bare id, basic
// groups are -id, channels and supergroups are -100<id>.
const channelMark = "-100"

func nativePeer(p tg.PeerClass) string {
	switch p := p.(type) {
	case *tg.PeerUser:
		return strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChat:
		return "-" + strconv.FormatInt(p.ChatID, 10)
	case *tg.PeerChannel:
		return channelMark + strconv.FormatInt(p.ChannelID, 10)
	}
	return ""
}

// parsePeer reverses nativePeer.
func parsePeer(native string) (tg.PeerClass, bool) {
	switch {
	case strings.HasPrefix(native, channelMark):
		id, err := strconv.ParseInt(strings.TrimPrefix(native, channelMark), 10, 64)
		return &tg.PeerChannel{ChannelID: id}, err == nil && id > 0
	case strings.HasPrefix(native, "-"):
		id, err := strconv.ParseInt(native[1:], 10, 64)
		return &tg.PeerChat{ChatID: id}, err == nil && id > 0
	}
	id, err := strconv.ParseInt(native, 10, 64)
	return &tg.PeerUser{UserID: id}, err == nil && id > 0
}

// peers caches the entities one account has seen. Access hashes from here
// are what make users and channels addressable.
type peers struct {
	mu       sync.RWMutex
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func newPeers() *peers {
	return &peers{
		users:    make(map[int64]*tg.User),
		chats:    make(map[int64]*tg.Chat),
		channels: make(map[int64]*tg.Channel),
	}
}

func (p *peers) addEntities(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, u := range e.Users {
		p.users[id] = u
	}
	for id, c := range e.Chats {
		p.chats[id] = c
	}
	for id, c := range e.Channels {
		p.channels[id] = c
	}
}

func (p *peers) add(users []tg.UserClass, chats []tg.ChatClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range users {
		if u, ok := u.(*tg.User); ok {
			p.users[u.ID] = u
		}
	}
	for _, c := range chats {
		switch c := c.(type) {
		case *tg.Chat:
			p.chats[c.ID] = c
		case *tg.Channel:
			p.channels[c.ID] = c
		}
	}
}

func (p *peers) user(id int64) (*tg.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[id]
	return u, ok
}

// inputPeer builds the addressable peer for a native id.
func (p *peers) inputPeer(native string) (tg.InputPeerClass, bool) {
	peer, ok := parsePeer(native)
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch peer := peer.(type) {
	case *tg.PeerUser:
		if u, ok := p.users[peer.UserID]; ok {
			if u.Self {
				return &tg.InputPeerSelf{}, true
			}
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}, true
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: peer.ChatID}, true
	case *tg.PeerChannel:
		if c, ok := p.channels[peer.ChannelID]; ok {
			return &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}, true
		}
	}
	return nil, false
}

func userName(u *tg.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	switch {
	case name != "":
		return name
	case u.Username != "":
		return "@" + u.Username
	case u.Phone != "":
		return "+" + u.Phone
	}
	return ""
}

// senderName resolves a message author to a display name.
func (p *peers) senderName(from tg.PeerClass) string {
	if from == nil {
		return ""
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch from := from.(type) {
	case *tg.PeerUser:
		if u, ok := p.users[from.UserID]; ok {
			return userName(u)
		}
	case *tg.PeerChannel:
		if c, ok := p.channels[from.ChannelID]; ok {
			return c.Title
		}
	case *tg.PeerChat:
		if c, ok := p.chats[from.ChatID]; ok {
			return c.Title
		}
	}
	return ""
}

func (p *peers) userNames(ids []int64) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.senderName(&tg.PeerUser{UserID: id}))
	}
	return out
}

// chatInfo builds the chat card for a peer on one account.
func (p *peers) chatInfo(accountID string, peer tg.PeerClass) domain.ChatInfo {
	native := nativePeer(peer)
	info := domain.ChatInfo{
		ID:        domain.CanonicalID(platform, accountID, native),
		Platform:  platform,
		AccountID: accountID,
		GroupID:   domain.PeerGroupID(platform, native),
		Type:      domain.ChatPrivate,
		Status:    "active",
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	switch peer := peer.(type) {
	case *tg.PeerUser:
		if u, ok := p.users[peer.UserID]; ok {
			info.Name = userName(u)
			switch {
			case u.ID == serviceUserID:
				info.Type = domain.ChatSystem
			case u.Bot:
				info.Type = domain.ChatBot
			}
			if u.Deleted {
				info.Status = "deleted"
			}
		}
	case *tg.PeerChat:
		info.GroupID = domain.GroupGroupID(platform, native)
		info.Type = domain.ChatGroup
		if c, ok := p.chats[peer.ChatID]; ok {
			info.Name = c.Title
			n := c.ParticipantsCount
			info.MemberCount = &n
			if c.Deactivated {
				info.Status = "deactivated"
			}
		}
	case *tg.PeerChannel:
		info.GroupID = domain.GroupGroupID(platform, native)
		info.Type = domain.ChatChannel
		if c, ok := p.channels[peer.ChannelID]; ok {
			info.Name = c.Title
			switch {
			case c.Forum:
				info.Type = domain.ChatTopic
			case c.Megagroup:
				info.Type = domain.ChatGroup
			}
			if n, ok := c.GetParticipantsCount(); ok {
				info.MemberCount = &n
			}
			if c.Left {
				info.Status = "left"
			}
		}
	}
	return info
}
