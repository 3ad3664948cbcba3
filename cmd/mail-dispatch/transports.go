package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/mailerr"
	"github.com/shineum/mail-dispatch/internal/oauth"
	"github.com/shineum/mail-dispatch/internal/transport"
	"github.com/shineum/mail-dispatch/internal/transport/gmail"
	"github.com/shineum/mail-dispatch/internal/transport/relay"
	"github.com/shineum/mail-dispatch/internal/transport/ses"
)

// newTransports builds the transport for the configured method behind a
// circuit breaker and returns the registry the dispatcher resolves from.
func newTransports(ctx context.Context, cfg *config.Config, tokens *oauth.Manager) (*transport.Registry, transport.Method, error) {
	method, err := transport.ParseMethod(cfg.Method)
	if err != nil {
		return nil, "", err
	}

	tr, err := selectTransport(ctx, method, cfg, tokens)
	if err != nil {
		return nil, "", fmt.Errorf("creating %s transport: %w", method, err)
	}

	slog.Info("transport selected", "method", method, "default_sender", tr.DefaultSender())
	return transport.NewRegistry(transport.WithBreaker(tr, transport.DefaultBreakerSettings())), method, nil
}

func selectTransport(ctx context.Context, method transport.Method, cfg *config.Config, tokens *oauth.Manager) (transport.Transport, error) {
	switch method {
	case transport.MethodGmailAPI:
		if tokens == nil {
			return nil, mailerr.Configuration("gmail_api requires GMAIL_CLIENT_ID", nil)
		}
		return gmail.New(gmail.Config{
			Sender: cfg.Gmail.Sender,
			Alias:  cfg.Gmail.Alias,
		}, tokens)

	case transport.MethodSES:
		return ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})

	case transport.MethodSMTPRelay:
		relayCfg := relay.Config{
			Host:     cfg.Relay.Host,
			Port:     cfg.Relay.Port,
			Security: relay.Security(cfg.Relay.Security),
			Username: cfg.Relay.Username,
			Password: cfg.Relay.Password,
			From:     cfg.Relay.From,
			Timeout:  cfg.Queue.SendTimeout,
		}
		if cfg.DKIMEnabled() {
			signer, err := relay.LoadDKIMSigner(cfg.Relay.DKIMSelector, cfg.Relay.DKIMDomain, cfg.Relay.DKIMKeyPath)
			if err != nil {
				return nil, err
			}
			relayCfg.DKIM = signer
		}
		return relay.New(relayCfg)

	default:
		return nil, mailerr.Configuration(fmt.Sprintf("no transport for delivery method %q", method), nil)
	}
}
