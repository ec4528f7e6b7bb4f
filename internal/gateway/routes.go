package gateway

import (
	"cmp"
	"net/http"
	"slices"
	"time"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/link"
	"github.com/soyeahso/unibox/internal/metrics"
)

// maxAttachmentBytes bounds attachments sent over the socket.
const maxAttachmentBytes = 3 * 1024 * 1024

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.cfg.MetricsEnabled() {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	if s.mediaRoot != "" {
		mux.Handle("GET /media/", mediaCacheMiddleware(s.mediaHandler()))
	}

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("events.subscribe", s.rpcEventsSubscribe)
	if s.accounts != nil {
		s.Handle("accounts.list", s.rpcAccountsList)
		s.Handle("accounts.setActive", s.rpcAccountsSetActive)
		s.Handle("accounts.logout", s.rpcAccountsLogout)
	}
	if s.links != nil {
		s.Handle("accounts.link.start", s.rpcLinkStart)
		s.Handle("accounts.link.status", s.rpcLinkStatus)
		s.Handle("accounts.link.password", s.rpcLinkPassword)
		s.Handle("accounts.link.cancel", s.rpcLinkCancel)
	}
	if s.inbox != nil {
		s.Handle("chats.list", s.rpcChatsList)
		s.Handle("chats.account", s.rpcChatsAccount)
		s.Handle("messages.list", s.rpcMessagesList)
		s.Handle("messages.send", s.rpcMessagesSend)
	}
}

// Built-in RPC handlers

func (s *Server) rpcHealth(rc *RequestContext) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Clients: s.clients.Count(),
	}
	if !s.startedAt.IsZero() {
		resp.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	if s.accounts != nil {
		resp.Accounts = len(s.accounts.List(""))
	}
	rc.Respond(resp)
}

func (s *Server) rpcEventsSubscribe(rc *RequestContext) {
	var sub Subscription
	if err := rc.Params(&sub); err != nil {
		rc.RespondError(CodeInvalidParams, "invalid params: "+err.Error())
		return
	}
	for _, k := range sub.Kinds {
		if !slices.Contains(domain.EventKinds, k) {
			rc.RespondError(CodeInvalidParams, "unknown event kind: "+string(k))
			return
		}
	}
	rc.Client.Subscribe(sub)
	rc.Respond(sub)
}

// AccountView is one account with its live connection state.
type AccountView struct {
	domain.Account
	State     domain.ConnState `json:"state"`
	Listening bool             `json:"listening"`
}

type accountsListParams struct {
	Platform domain.Platform `json:"platform,omitempty"`
}

func (s *Server) rpcAccountsList(rc *RequestContext) {
	var params accountsListParams
	if err := rc.Params(&params); err != nil {
		rc.RespondError(CodeInvalidParams, "invalid params: "+err.Error())
		return
	}
	views := []AccountView{}
	for _, a := range s.accounts.List(params.Platform) {
		if !rc.Client.CanSee(a) {
			continue
		}
		views = append(views, s.accountView(a))
	}
	slices.SortFunc(views, func(a, b AccountView) int { return cmp.Compare(a.ID, b.ID) })
	rc.Respond(map[string]any{"accounts": views})
}

func (s *Server) accountView(a domain.Account) AccountView {
	v := AccountView{Account: a, State: domain.StateDisconnected}
	if s.providers == nil {
		return v
	}
	if prov, ok := s.providers.Get(a.Platform); ok {
		v.State = prov.ConnectionState(a.ID)
		v.Listening = prov.IsListening(a.ID)
	}
	return v
}

type accountParams struct {
	AccountID string `json:"accountId"`
	Active    *bool  `json:"active,omitempty"`
}

// visibleAccount resolves the accountId param, hiding accounts the client
// may not see.
func (s *Server) visibleAccount(rc *RequestContext) (accountParams, domain.Account, bool) {
	var params accountParams
	if err := rc.Params(&params); err != nil || params.AccountID == "" {
		rc.RespondError(CodeInvalidParams, "accountId is required")
		return params, domain.Account{}, false
	}
	acct, ok := s.accounts.Get(params.AccountID)
	if !ok || !rc.Client.CanSee(acct) {
		rc.RespondError(CodeNotFound, "unknown account: "+params.AccountID)
		return params, domain.Account{}, false
	}
	return params, acct, true
}

func (s *Server) rpcAccountsSetActive(rc *RequestContext) {
	params, _, ok := s.visibleAccount(rc)
	if !ok {
		return
	}
	if params.Active == nil {
		rc.RespondError(CodeInvalidParams, "active is required")
		return
	}
	acct, err := s.accounts.SetActive(rc.Context(), params.AccountID, *params.Active)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(s.accountView(acct))
}

func (s *Server) rpcAccountsLogout(rc *RequestContext) {
	params, _, ok := s.visibleAccount(rc)
	if !ok {
		return
	}
	if err := s.accounts.Logout(rc.Context(), params.AccountID); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"ok": true, "accountId": params.AccountID})
}

type linkStartParams struct {
	Platform    domain.Platform `json:"platform"`
	Label       string          `json:"label,omitempty"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	BrandID     string          `json:"brandId,omitempty"`
	Inactive    bool            `json:"inactive,omitempty"`
}

func (s *Server) rpcLinkStart(rc *RequestContext) {
	var params linkStartParams
	if err := rc.Params(&params); err != nil {
		rc.RespondError(CodeInvalidParams, "invalid params: "+err.Error())
		return
	}
	if !params.Platform.Valid() {
		rc.RespondError(CodeInvalidParams, "unknown platform: "+string(params.Platform))
		return
	}
	opts := link.Options{
		Label:       params.Label,
		WorkspaceID: params.WorkspaceID,
		BrandID:     params.BrandID,
		Inactive:    params.Inactive,
	}
	if v := rc.Client.Viewer; v != nil {
		opts.CreatedBy = v.UserID
		if opts.WorkspaceID != "" && !slices.Contains(v.Workspaces, opts.WorkspaceID) {
			rc.RespondError(CodeInvalidParams, "workspace not available to this viewer")
			return
		}
	}
	sess, err := s.links.Start(rc.Context(), params.Platform, opts)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(sess)
}

type linkParams struct {
	SessionID string `json:"sessionId"`
	Password  string `json:"password,omitempty"`
}

func linkSession(rc *RequestContext) (linkParams, bool) {
	var params linkParams
	if err := rc.Params(&params); err != nil || params.SessionID == "" {
		rc.RespondError(CodeInvalidParams, "sessionId is required")
		return params, false
	}
	return params, true
}

func (s *Server) rpcLinkStatus(rc *RequestContext) {
	params, ok := linkSession(rc)
	if !ok {
		return
	}
	sess, err := s.links.Status(params.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(sess)
}

func (s *Server) rpcLinkPassword(rc *RequestContext) {
	params, ok := linkSession(rc)
	if !ok {
		return
	}
	if params.Password == "" {
		rc.RespondError(CodeInvalidParams, "password is required")
		return
	}
	sess, err := s.links.SubmitPassword(params.SessionID, params.Password)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(sess)
}

func (s *Server) rpcLinkCancel(rc *RequestContext) {
	params, ok := linkSession(rc)
	if !ok {
		return
	}
	sess, err := s.links.Cancel(params.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(sess)
}

type chatsListParams struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) rpcChatsList(rc *RequestContext) {
	var params chatsListParams
	if err := rc.Params(&params); err != nil {
		rc.RespondError(CodeInvalidParams, "invalid params: "+err.Error())
		return
	}
	if rc.Client.Viewer == nil {
		rc.RespondError(CodeInvalidParams, "chats.list needs a viewer on connect")
		return
	}
	list, err := s.inbox.ListChats(rc.Context(), *rc.Client.Viewer, params.Limit)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(list)
}

func (s *Server) rpcChatsAccount(rc *RequestContext) {
	params, _, ok := s.visibleAccount(rc)
	if !ok {
		return
	}
	list, err := s.inbox.ChatsForAccount(rc.Context(), params.AccountID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(list)
}

// chatAccount checks that the chat belongs to an account the client may see.
func (s *Server) chatAccount(rc *RequestContext, chatID string) bool {
	_, accountID, _, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		rc.Fail(err)
		return false
	}
	if s.accounts == nil {
		return true
	}
	acct, ok := s.accounts.Get(accountID)
	if !ok || !rc.Client.CanSee(acct) {
		rc.RespondError(CodeNotFound, "unknown account: "+accountID)
		return false
	}
	return true
}

type messagesListParams struct {
	ChatID string `json:"chatId"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Server) rpcMessagesList(rc *RequestContext) {
	var params messagesListParams
	if err := rc.Params(&params); err != nil || params.ChatID == "" {
		rc.RespondError(CodeInvalidParams, "chatId is required")
		return
	}
	if !s.chatAccount(rc, params.ChatID) {
		return
	}
	page, err := s.inbox.ListMessages(rc.Context(), params.ChatID, params.Limit)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(page)
}

type attachmentParams struct {
	Data     []byte `json:"data"` // base64 in JSON
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType,omitempty"`
}

type messagesSendParams struct {
	ChatID     string             `json:"chatId"`
	Content    string             `json:"content,omitempty"`
	Type       domain.MessageType `json:"type,omitempty"`
	Attachment *attachmentParams  `json:"attachment,omitempty"`
}

func (s *Server) rpcMessagesSend(rc *RequestContext) {
	var params messagesSendParams
	if err := rc.Params(&params); err != nil || params.ChatID == "" {
		rc.RespondError(CodeInvalidParams, "chatId is required")
		return
	}
	req := domain.SendRequest{Content: params.Content, Type: params.Type}
	if a := params.Attachment; a != nil {
		if len(a.Data) == 0 {
			rc.RespondError(CodeInvalidParams, "attachment has no data")
			return
		}
		if len(a.Data) > maxAttachmentBytes {
			rc.RespondError(CodeInvalidParams, "attachment too large")
			return
		}
		req.Attachment = &domain.Attachment{
			Data:     a.Data,
			FileName: a.FileName,
			FileSize: int64(len(a.Data)),
			MimeType: a.MimeType,
		}
	}
	if req.Content == "" && req.Attachment == nil {
		rc.Fail(domain.ErrEmptyMessage)
		return
	}
	if !s.chatAccount(rc, params.ChatID) {
		return
	}
	res, err := s.inbox.Send(rc.Context(), params.ChatID, req)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(res)
}
