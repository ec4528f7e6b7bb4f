package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/soyeahso/unibox/internal/config"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/gateway"
	"github.com/soyeahso/unibox/internal/session"
	"github.com/soyeahso/unibox/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unibox status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("unibox %s (commit %s)\n\n", version.Version, version.Short())

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:  error loading: %v\n", err)
				return nil
			}
			p := paths.WithMediaRoot(cfg.Media.Root)

			fmt.Printf("Config:   %s", p.Config)
			if _, err := os.Stat(p.Config); os.IsNotExist(err) {
				fmt.Print(" (not found, using defaults)")
			}
			fmt.Println()
			fmt.Printf("Sessions: %s\n", p.Sessions)
			fmt.Printf("Database: %s\n", p.Database())
			fmt.Printf("Media:    %s\n", p.Media)
			fmt.Println()

			fmt.Printf("Gateway:  port=%d bind=%s auth=%s tls=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode, cfg.Gateway.TLS.Enabled)
			fmt.Printf("Cache:    chats=%s snapshots=%s\n", cfg.Cache.ChatTTL, cfg.Cache.Snapshots)
			fmt.Printf("Events:   %s\n", sinkSummary(cfg.Events))

			var platforms []string
			if cfg.WhatsApp.Enabled {
				platforms = append(platforms, string(domain.PlatformWhatsApp))
			}
			if cfg.Telegram.Enabled {
				platforms = append(platforms, string(domain.PlatformTelegram))
			}
			if len(platforms) == 0 {
				platforms = []string{"(none)"}
			}
			fmt.Printf("Enabled:  %s\n", strings.Join(platforms, ", "))

			if store, err := session.NewFileStore(p.Sessions, log); err == nil {
				for _, pl := range domain.Platforms {
					accts := store.List(pl)
					active := 0
					for _, a := range accts {
						if a.Active {
							active++
						}
					}
					fmt.Printf("%-9s %d account(s), %d active\n", string(pl)+":", len(accts), active)
				}
			} else {
				fmt.Printf("Accounts: error reading: %v\n", err)
			}

			fmt.Println()
			if h, err := probeHealth(cfg.Gateway); err != nil {
				fmt.Println("Server:   not running")
			} else {
				fmt.Printf("Server:   %s, version %s, %d client(s), %d account(s), up %s\n",
					h.Status, h.Version, h.Clients, h.Accounts,
					(time.Duration(h.UptimeMs) * time.Millisecond).Truncate(time.Second))
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}

func sinkSummary(ev config.EventsConfig) string {
	var sinks []string
	if ev.AMQP != nil {
		sinks = append(sinks, "amqp:"+ev.AMQP.Exchange)
	}
	if ev.Kafka != nil {
		sinks = append(sinks, "kafka:"+ev.Kafka.Topic)
	}
	if len(sinks) == 0 {
		return "websocket only"
	}
	return "websocket, " + strings.Join(sinks, ", ")
}

// probeHealth asks a running gateway for its /health summary.
func probeHealth(cfg config.GatewayConfig) (gateway.HealthResponse, error) {
	var h gateway.HealthResponse
	url := strings.Replace(gatewayURL(cfg), "ws", "http", 1)
	url = strings.TrimSuffix(url, "/ws") + "/health"

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("health: %s", resp.Status)
	}
	return h, json.NewDecoder(resp.Body).Decode(&h)
}
