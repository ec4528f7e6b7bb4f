package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

// API is the subset of the raw MTProto API the adapter calls.
// *tg.Client satisfies it.
type API interface {
	MessagesGetDialogs(ctx context.Context, req *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesSendMessage(ctx context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesSendMedia(ctx context.Context, req *tg.MessagesSendMediaRequest) (tg.UpdatesClass, error)
	AuthLogOut(ctx context.Context) (*tg.AuthLoggedOut, error)
}

// Conn is one account's MTProto connection.
type Conn interface {
	// Run connects and blocks until ctx ends. ready is called once the
	// session is confirmed authorized.
	Run(ctx context.Context, ready func(self *tg.User)) error
	API() API
	Upload(ctx context.Context, name string, data []byte) (tg.InputFileClass, error)
	Download(ctx context.Context, loc tg.InputFileLocationClass) ([]byte, error)
}

// Dialer creates connections from per-account session files and links new
// accounts.
type Dialer interface {
	Dial(acct domain.Account, h telegram.UpdateHandler) (Conn, error)
	Login(ctx context.Context, acct domain.Account, prompts domain.LinkPrompts) (*tg.User, error)
	Forget(accountID string) error
}

var (
	// ErrUnauthorized means the stored session is not (or no longer) logged in.
	ErrUnauthorized = errors.New("telegram session not authorized")
	// ErrPasswordRequired is returned by Login when 2FA is enabled but no
	// password prompt was supplied.
	ErrPasswordRequired = errors.New("telegram account requires a 2FA password")
)

// MTDialer is the gotd-backed Dialer. Sessions live in dir as
// <accountId>.json.
type MTDialer struct {
	appID   int
	appHash string
	dir     string
	log     *logging.Logger
}

// NewDialer creates the session directory if needed.
func NewDialer(appID int, appHash, dir string, log *logging.Logger) (*MTDialer, error) {
	if appID == 0 || appHash == "" {
		return nil, errors.New("telegram apiId and apiHash are required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating telegram session dir: %w", err)
	}
	return &MTDialer{appID: appID, appHash: appHash, dir: dir, log: log}, nil
}

func (d *MTDialer) path(accountID string) string {
	return filepath.Join(d.dir, accountID+".json")
}

// storage returns the account's session storage. A session file that is not
// valid JSON is discarded so the account reports as unlinked instead of
// failing every connect.
func (d *MTDialer) storage(accountID string) *session.FileStorage {
	path := d.path(accountID)
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 && !json.Valid(data) {
		d.log.Warn().Str("account", accountID).Str("path", path).Msg("discarding corrupt telegram session")
		_ = os.Remove(path)
	}
	return &session.FileStorage{Path: path}
}

// HasSession reports whether the account has a stored session.
func (d *MTDialer) HasSession(accountID string) bool {
	st, err := os.Stat(d.path(accountID))
	return err == nil && st.Size() > 0
}

func (d *MTDialer) Dial(acct domain.Account, h telegram.UpdateHandler) (Conn, error) {
	if !d.HasSession(acct.ID) {
		return nil, ErrUnauthorized
	}
	gaps := updates.New(updates.Config{Handler: h})
	client := telegram.NewClient(d.appID, d.appHash, telegram.Options{
		SessionStorage: d.storage(acct.ID),
		UpdateHandler:  gaps,
	})
	return &mtConn{client: client, gaps: gaps}, nil
}

// Login runs the QR login flow into the account's session file. Each
// exported token is passed to prompts.OnCode as a tg://login URL.
func (d *MTDialer) Login(ctx context.Context, acct domain.Account, prompts domain.LinkPrompts) (*tg.User, error) {
	dispatcher := tg.NewUpdateDispatcher()
	loggedIn := qrlogin.OnLoginToken(dispatcher)
	client := telegram.NewClient(d.appID, d.appHash, telegram.Options{
		SessionStorage: d.storage(acct.ID),
		UpdateHandler:  dispatcher,
	})

	var self *tg.User
	err := client.Run(ctx, func(ctx context.Context) error {
		qr := qrlogin.NewQR(client.API(), d.appID, d.appHash, qrlogin.Options{})
		_, err := qr.Auth(ctx, loggedIn, func(ctx context.Context, token qrlogin.Token) error {
			if prompts.OnCode != nil {
				prompts.OnCode(token.URL())
			}
			return nil
		})
		if errors.Is(err, auth.ErrPasswordAuthNeeded) || tgerr.Is(err, "SESSION_PASSWORD_NEEDED") {
			if prompts.Password == nil {
				return ErrPasswordRequired
			}
			pw, perr := prompts.Password(ctx)
			if perr != nil {
				return perr
			}
			if _, err := client.Auth().Password(ctx, pw); err != nil {
				return fmt.Errorf("2fa: %w", err)
			}
		} else if err != nil {
			return err
		}

		self, err = client.Self(ctx)
		return err
	})
	if err != nil {
		_ = d.Forget(acct.ID)
		return nil, err
	}
	return self, nil
}

// Forget deletes the account's session file.
func (d *MTDialer) Forget(accountID string) error {
	if err := os.Remove(d.path(accountID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type mtConn struct {
	client *telegram.Client
	gaps   *updates.Manager
}

func (c *mtConn) Run(ctx context.Context, ready func(*tg.User)) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		status, err := c.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized || status.User == nil {
			return ErrUnauthorized
		}
		ready(status.User)
		return c.gaps.Run(ctx, c.client.API(), status.User.ID, updates.AuthOptions{IsBot: status.User.Bot})
	})
}

func (c *mtConn) API() API { return c.client.API() }

func (c *mtConn) Upload(ctx context.Context, name string, data []byte) (tg.InputFileClass, error) {
	return uploader.NewUploader(c.client.API()).FromBytes(ctx, name, data)
}

func (c *mtConn) Download(ctx context.Context, loc tg.InputFileLocationClass) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(c.client.API(), loc).Stream(ctx, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
