package app

import (
	"TagRelay/internal/config"
	"TagRelay/internal/connector"
	"TagRelay/internal/infrastructure/bluesky"
	"TagRelay/internal/infrastructure/mastodon"
	"TagRelay/internal/infrastructure/telegram"
	"TagRelay/internal/logging"
	"TagRelay/internal/ports"
)

// DefaultRegistry knows every endpoint type accepted by config.
func DefaultRegistry() *connector.Registry {
	r := connector.NewRegistry()

	r.Register(config.TypeMastodon, func(name string, cfg config.EndpointConfig, deps connector.Deps) (ports.Connector, error) {
		return mastodon.New(name, mastodon.Config{
			Server:        cfg.Server,
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			AccessToken:   cfg.AccessToken,
			FederationTag: deps.FederationTag,
			Timeout:       cfg.Timeout,
		}, deps.Media, logging.Component(deps.Logger, "mastodon."+name)), nil
	})

	r.Register(config.TypeBluesky, func(name string, cfg config.EndpointConfig, deps connector.Deps) (ports.Connector, error) {
		return bluesky.New(name, bluesky.Config{
			Server:      cfg.Server,
			Identifier:  cfg.Identifier,
			AppPassword: cfg.AppPassword,
			Timeout:     cfg.Timeout,
		}, logging.Component(deps.Logger, "bluesky."+name)), nil
	})

	r.Register(config.TypeTelegram, func(name string, cfg config.EndpointConfig, deps connector.Deps) (ports.Connector, error) {
		return telegram.New(name, telegram.Config{
			Server:   cfg.Server,
			BotToken: cfg.BotToken,
			ChatID:   cfg.ChatID,
			Timeout:  cfg.Timeout,
		}, logging.Component(deps.Logger, "telegram."+name)), nil
	})

	return r
}
