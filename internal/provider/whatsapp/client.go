package whatsapp

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	waStore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

// Client is the part of a whatsmeow client the adapter drives, one per
// linked account.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	IsLoggedIn() bool
	Logout(ctx context.Context) error
	OwnJID() types.JID

	AddEventHandler(h whatsmeow.EventHandler) uint32
	RemoveEventHandler(id uint32) bool

	SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, data []byte, mt whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error)

	GroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	ContactName(ctx context.Context, jid types.JID) (string, error)
	ParseWebMessage(chat types.JID, msg *waWeb.WebMessageInfo) (*events.Message, error)
}

// Devices opens per-account clients from the device store and pairs new
// devices.
type Devices interface {
	Open(ctx context.Context, acct domain.Account) (Client, error)
	Pair(ctx context.Context, onCode func(code string)) (types.JID, error)
	Close() error
}

// ErrNotPaired means the account has no device in the store.
var ErrNotPaired = errors.New("whatsapp device not paired")

// MetaJID is the account meta key holding the paired device JID.
const MetaJID = "jid"

// AccountJID returns the device JID recorded for an account.
func AccountJID(acct domain.Account) (types.JID, bool) {
	s, _ := acct.Meta[MetaJID].(string)
	if s == "" {
		return types.EmptyJID, false
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.EmptyJID, false
	}
	return jid, true
}

type wmClient struct {
	cli *whatsmeow.Client
}

func (c wmClient) Connect() error                   { return c.cli.Connect() }
func (c wmClient) Disconnect()                      { c.cli.Disconnect() }
func (c wmClient) IsConnected() bool                { return c.cli.IsConnected() }
func (c wmClient) IsLoggedIn() bool                 { return c.cli.IsLoggedIn() }
func (c wmClient) Logout(ctx context.Context) error { return c.cli.Logout(ctx) }

func (c wmClient) OwnJID() types.JID {
	if c.cli.Store.ID == nil {
		return types.EmptyJID
	}
	return c.cli.Store.ID.ToNonAD()
}

func (c wmClient) AddEventHandler(h whatsmeow.EventHandler) uint32 { return c.cli.AddEventHandler(h) }
func (c wmClient) RemoveEventHandler(id uint32) bool               { return c.cli.RemoveEventHandler(id) }

func (c wmClient) SendMessage(ctx context.Context, to types.JID, msg *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	return c.cli.SendMessage(ctx, to, msg, extra...)
}

func (c wmClient) Upload(ctx context.Context, data []byte, mt whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	return c.cli.Upload(ctx, data, mt)
}

func (c wmClient) Download(ctx context.Context, msg whatsmeow.DownloadableMessage) ([]byte, error) {
	return c.cli.Download(ctx, msg)
}

func (c wmClient) GroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	return c.cli.GetGroupInfo(ctx, jid)
}

func (c wmClient) ContactName(ctx context.Context, jid types.JID) (string, error) {
	info, err := c.cli.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return "", err
	}
	switch {
	case info.FullName != "":
		return info.FullName, nil
	case info.BusinessName != "":
		return info.BusinessName, nil
	}
	return info.PushName, nil
}

func (c wmClient) ParseWebMessage(chat types.JID, msg *waWeb.WebMessageInfo) (*events.Message, error) {
	return c.cli.ParseWebMessage(chat, msg)
}

// SQLDevices keeps whatsmeow device state in a go-sqlite3 database.
type SQLDevices struct {
	container *sqlstore.Container
	log       *logging.Logger
	clientLog waLog.Logger
}

// SetDeviceName sets the name newly paired devices show in the phone's
// linked devices list.
func SetDeviceName(name string) {
	if name != "" {
		waStore.DeviceProps.Os = proto.String(name)
	}
}

// OpenDevices opens (and migrates) the device store at path.
func OpenDevices(ctx context.Context, path string, log *logging.Logger) (*SQLDevices, error) {
	dbLog := NewLogger(log.Sub("whatsmeow-db"))
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+path+"?_foreign_keys=on&_busy_timeout=5000", dbLog)
	if err != nil {
		return nil, fmt.Errorf("opening whatsapp device store: %w", err)
	}
	return &SQLDevices{
		container: container,
		log:       log,
		clientLog: NewLogger(log.Sub("whatsmeow")),
	}, nil
}

func (d *SQLDevices) Open(ctx context.Context, acct domain.Account) (Client, error) {
	jid, ok := AccountJID(acct)
	if !ok {
		return nil, ErrNotPaired
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", jid, err)
	}
	if device == nil {
		return nil, ErrNotPaired
	}
	return wmClient{cli: whatsmeow.NewClient(device, d.clientLog.Sub(acct.ID))}, nil
}

// Pair links a new device by QR. onCode receives every rotated code; the
// call returns once the phone confirms or ctx ends.
func (d *SQLDevices) Pair(ctx context.Context, onCode func(string)) (types.JID, error) {
	device := d.container.NewDevice()
	cli := whatsmeow.NewClient(device, d.clientLog.Sub("pairing"))
	defer cli.Disconnect()

	qrChan, err := cli.GetQRChannel(ctx)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("qr channel: %w", err)
	}
	if err := cli.Connect(); err != nil {
		return types.EmptyJID, fmt.Errorf("connecting for pairing: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return types.EmptyJID, ctx.Err()
		case item, ok := <-qrChan:
			if !ok {
				return types.EmptyJID, errors.New("pairing channel closed")
			}
			switch item.Event {
			case "code":
				onCode(item.Code)
			case "success":
				if cli.Store.ID == nil {
					return types.EmptyJID, errors.New("paired without device id")
				}
				return cli.Store.ID.ToNonAD(), nil
			case "timeout":
				return types.EmptyJID, errors.New("pairing timed out")
			default:
				if item.Error != nil {
					return types.EmptyJID, fmt.Errorf("pairing failed: %w", item.Error)
				}
				return types.EmptyJID, fmt.Errorf("pairing failed: %s", item.Event)
			}
		}
	}
}

func (d *SQLDevices) Close() error {
	return d.container.Close()
}

// logAdapter routes whatsmeow logs into the process logger.
type logAdapter struct {
	log *logging.Logger
}

// NewLogger adapts a Logger to whatsmeow's logging interface.
func NewLogger(log *logging.Logger) waLog.Logger {
	return logAdapter{log: log}
}

func (l logAdapter) Errorf(msg string, args ...any) { l.log.Error().Msgf(msg, args...) }
func (l logAdapter) Warnf(msg string, args ...any)  { l.log.Warn().Msgf(msg, args...) }
func (l logAdapter) Infof(msg string, args ...any)  { l.log.Info().Msgf(msg, args...) }
func (l logAdapter) Debugf(msg string, args ...any) { l.log.Debug().Msgf(msg, args...) }

func (l logAdapter) Sub(module string) waLog.Logger {
	return logAdapter{log: l.log.With("module", module)}
}
