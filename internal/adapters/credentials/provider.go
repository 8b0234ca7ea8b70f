// Package credentials resolves users to authenticated exchange clients from environment variables.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/binanceclient"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/adapters/paper"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

// Config configures the provider.
type Config struct {
	UseTestnet bool
	// DryRun hands out simulated accounts instead of real clients.
	DryRun            bool
	RequestsPerSecond float64
	Logger            ports.Logger
	// Lookup reads a variable; defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Provider implements ports.CredentialProvider. A credential reference REF
// resolves to the REF_API_KEY and REF_API_SECRET variables.
type Provider struct {
	cfg       Config
	logger    ports.Logger
	newClient func(cfg binanceclient.Config) (ports.ExchangeClient, error)
	group     singleflight.Group

	mu      sync.RWMutex
	refs    map[int64]string
	clients map[int64]ports.ExchangeClient
}

// New creates a provider with no registered users.
func New(cfg Config) (*Provider, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for credential provider: %w", ports.ErrConfigurationError)
	}
	if cfg.Lookup == nil {
		cfg.Lookup = os.LookupEnv
	}
	return &Provider{
		cfg:    cfg,
		logger: cfg.Logger,
		newClient: func(c binanceclient.Config) (ports.ExchangeClient, error) {
			client, err := binanceclient.New(c)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		refs:    make(map[int64]string),
		clients: make(map[int64]ports.ExchangeClient),
	}, nil
}

// Register binds userID to a credential reference. Changing the reference drops the cached client.
func (p *Provider) Register(userID int64, ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.refs[userID]; ok && old != ref {
		delete(p.clients, userID)
	}
	p.refs[userID] = ref
}

// Forget removes the user and its cached client.
func (p *Provider) Forget(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.refs, userID)
	delete(p.clients, userID)
}

// ClientFor returns the cached client of userID, creating it on first use.
func (p *Provider) ClientFor(ctx context.Context, userID int64) (ports.ExchangeClient, error) {
	p.mu.RLock()
	c, ok := p.clients[userID]
	ref, known := p.refs[userID]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}
	if !known {
		return nil, fmt.Errorf("no credential registered for user %d: %w", userID, ports.ErrNotFound)
	}

	v, err, _ := p.group.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		p.mu.RLock()
		cached, ok := p.clients[userID]
		p.mu.RUnlock()
		if ok {
			return cached, nil
		}
		c, err := p.build(ctx, userID, ref)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		// Forget or a new reference may have raced the build.
		if cur, ok := p.refs[userID]; !ok || cur != ref {
			return nil, fmt.Errorf("credential of user %d changed during setup: %w", userID, ports.ErrNotFound)
		}
		p.clients[userID] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ports.ExchangeClient), nil
}

func (p *Provider) build(ctx context.Context, userID int64, ref string) (ports.ExchangeClient, error) {
	op := "ClientFor"
	if p.cfg.DryRun {
		p.logger.Info(ctx, op+": Using paper account", map[string]interface{}{"userID": userID})
		return paper.New(userID, p.logger), nil
	}

	prefix := EnvPrefix(ref)
	key, okKey := p.cfg.Lookup(prefix + "_API_KEY")
	secret, okSecret := p.cfg.Lookup(prefix + "_API_SECRET")
	if !okKey || !okSecret || key == "" || secret == "" {
		return nil, fmt.Errorf("%s: %s_API_KEY and %s_API_SECRET must be set for user %d: %w",
			op, prefix, prefix, userID, ports.ErrConfigurationError)
	}

	c, err := p.newClient(binanceclient.Config{
		APIKey:            key,
		SecretKey:         secret,
		UseTestnet:        p.cfg.UseTestnet,
		UserID:            userID,
		Logger:            p.logger,
		RequestsPerSecond: p.cfg.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: creating client for user %d: %w", op, userID, err)
	}
	if err := c.SetServerTime(ctx); err != nil {
		if ports.IsFatal(err) {
			return nil, err
		}
		// Signed calls still work within the recv window.
		p.logger.Warn(ctx, op+": Server time sync failed", map[string]interface{}{"userID": userID, "error": err.Error()})
	}
	p.logger.Info(ctx, op+": Exchange client ready", map[string]interface{}{"userID": userID, "credential": ref, "testnet": p.cfg.UseTestnet})
	return c, nil
}

// EnvPrefix normalizes a credential reference into an environment variable prefix.
func EnvPrefix(ref string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, strings.TrimSpace(ref))
}
