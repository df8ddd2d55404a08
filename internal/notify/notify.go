// Package notify posts web push notifications for incoming events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"palaver/internal/signal"
	"palaver/internal/storage"

	"github.com/SherClockHolmes/webpush-go"
)

const defaultTTL = 60 * 60

type Config struct {
	Subject         string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Seconds a push service keeps an undelivered notification.
	TTL int
}

func (c *Config) Validate() error {
	if c.VAPIDPublicKey == "" || c.VAPIDPrivateKey == "" {
		return errors.New("vapid key pair is required")
	}
	if c.Subject == "" {
		return errors.New("vapid subject is required")
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	return nil
}

// Store holds the browser subscriptions.
type Store interface {
	ListPushSubscriptions() ([]storage.PushSubscription, error)
	DeletePushSubscription(endpoint string) error
}

type pluginHost interface {
	PluginRegister(name string, mask signal.Kind) *signal.Plugin
	PluginUnregister(p *signal.Plugin)
}

// Payload is the JSON body the service worker receives.
type Payload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	EventID string `json:"eventId,omitempty"`
	Unread  int64  `json:"unread"`
}

type Notifier struct {
	cfg    Config
	store  Store
	host   pluginHost
	plugin *signal.Plugin
	client webpush.HTTPClient
}

func New(cfg Config, store Store, host pluginHost) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Notifier{
		cfg:    cfg,
		store:  store,
		host:   host,
		plugin: host.PluginRegister("webpush", signal.UserEvents),
		client: http.DefaultClient,
	}, nil
}

func (n *Notifier) Run(ctx context.Context) error {
	defer n.host.PluginUnregister(n.plugin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.plugin.Wake():
			for _, s := range n.plugin.Drain() {
				if s.Sub != signal.SubEventAdded {
					continue
				}
				n.notify(ctx, Payload{
					Title:   s.User.String(),
					Body:    fmt.Sprintf("%d unread", s.Arg),
					EventID: s.Text,
					Unread:  s.Arg,
				})
			}
		}
	}
}

func (n *Notifier) notify(ctx context.Context, p Payload) {
	subs, err := n.store.ListPushSubscriptions()
	if err != nil {
		slog.Error("failed to list push subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	msg, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to encode push payload", "error", err)
		return
	}
	for _, sub := range subs {
		err := n.send(ctx, msg, sub)
		switch {
		case errors.Is(err, errGone):
			slog.Info("push subscription removed", "endpoint", sub.Endpoint, "user_id", sub.UserID)
		case err != nil:
			slog.Warn("failed to send push notification", "endpoint", sub.Endpoint, "user_id", sub.UserID, "error", err)
		}
	}
}

var errGone = errors.New("subscription gone")

func (n *Notifier) send(ctx context.Context, msg []byte, sub storage.PushSubscription) error {
	resp, err := webpush.SendNotificationWithContext(ctx, msg, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.cfg.Subject,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             n.cfg.TTL,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The browser dropped the subscription.
		if err := n.store.DeletePushSubscription(sub.Endpoint); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		return errGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service answered %s", resp.Status)
	}
	return nil
}

// GenerateKeys makes a VAPID key pair for the config.
func GenerateKeys() (public, private string, err error) {
	private, public, err = webpush.GenerateVAPIDKeys()
	return public, private, err
}
