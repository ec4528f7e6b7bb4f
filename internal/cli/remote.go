package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/soyeahso/unibox/internal/config"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/gateway"
)

const callTimeout = 30 * time.Second

// viewerFlags scope a CLI connection to one dashboard user.
type viewerFlags struct {
	user       string
	workspaces []string
}

func (v viewerFlags) viewer() *domain.Viewer {
	if v.user == "" && len(v.workspaces) == 0 {
		return nil
	}
	return &domain.Viewer{UserID: v.user, Workspaces: v.workspaces}
}

// gatewayURL returns the websocket URL of the locally configured gateway.
func gatewayURL(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	if cfg.Bind == "custom" && cfg.CustomBindHost != "" && cfg.CustomBindHost != "0.0.0.0" {
		host = cfg.CustomBindHost
	}
	scheme := "ws"
	if cfg.TLS.Enabled {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + "/ws"
}

// connect dials the running gateway with the configured credentials.
func connect(ctx context.Context, viewer *domain.Viewer) (*gateway.Conn, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return nil, err
	}
	auth := gateway.ResolveAuth(cfg.Gateway.Auth)
	conn, err := gateway.Dial(ctx, gatewayURL(cfg.Gateway), gateway.ConnectAuth{
		Token:    auth.Token,
		Password: auth.Password,
	}, viewer)
	if err != nil {
		return nil, fmt.Errorf("%w (is `unibox serve` running?)", err)
	}
	return conn, nil
}

// call runs one RPC against the gateway on a fresh connection.
func call(viewer *domain.Viewer, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	conn, err := connect(ctx, viewer)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Call(ctx, method, params, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
