package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

// ErrClientInit indicates failure to initialize the Vault API client.
var ErrClientInit = errors.New("vault client initialization failed")

// ErrNoSecret is returned when a host has no secret under the KV prefix.
var ErrNoSecret = errors.New("no secret found")

type Option func(*config)

type config struct {
	address  string
	token    string
	roleID   string
	roleName string
	kvPath   string
}

// Client reads host connection parameters from Vault.
type Client struct {
	api    *vault.Client
	config *config
}

// HostParams are the connection parameters stored for one host. Zero values
// mean "use the configured default".
type HostParams struct {
	User         string `mapstructure:"user"`
	Port         int    `mapstructure:"port"`
	IdentityFile string `mapstructure:"identity_file"`
}

func WithAddress(address string) Option {
	return func(c *config) {
		if address != "" {
			c.address = address
		}
	}
}

func WithToken(token string) Option {
	return func(c *config) {
		if token != "" {
			c.token = token
		}
	}
}

func WithAppRole(roleID, roleName string) Option {
	return func(c *config) {
		c.roleID = roleID
		c.roleName = roleName
	}
}

// WithKVPath sets the prefix host secrets live under, e.g. secret/data/rbackup/hosts.
func WithKVPath(path string) Option {
	return func(c *config) {
		c.kvPath = strings.TrimSuffix(path, "/")
	}
}

// NewClient creates and initializes a Vault Client using provided options.
// It will perform AppRole login if roleID and roleName are both set, otherwise
// a static token (from env or WithToken) is used.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	// Build default config from environment
	cfg := &config{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := vault.DefaultConfig()
	if cfg.address != "" {
		apiCfg.Address = cfg.address
	}

	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
	}

	client := &Client{api: api, config: cfg}

	if cfg.token != "" {
		client.api.SetToken(cfg.token)
	}

	if cfg.roleID != "" && cfg.roleName != "" {
		if err := client.loginAppRole(ctx); err != nil {
			return nil, fmt.Errorf("%w: approle login: %w", ErrClientInit, err)
		}
	}

	return client, nil
}

// loginAppRole performs AppRole login using the configured roleID and roleName.
func (c *Client) loginAppRole(ctx context.Context) error {
	// Generate Secret ID
	path := fmt.Sprintf(approleSecretIDPath, c.config.roleName)
	resp, err := c.api.Logical().WriteWithContext(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("generate secret_id: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("no response from %s", path)
	}
	sid, ok := resp.Data["secret_id"].(string)
	if !ok || sid == "" {
		return fmt.Errorf("no secret_id returned from %s", path)
	}

	loginData := map[string]any{
		"role_id":   c.config.roleID,
		"secret_id": sid,
	}
	loginResp, err := c.api.Logical().WriteWithContext(ctx, approleLoginPath, loginData)
	if err != nil {
		return fmt.Errorf("approle login request: %w", err)
	}
	if loginResp == nil || loginResp.Auth == nil || loginResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token in login response")
	}
	c.api.SetToken(loginResp.Auth.ClientToken)
	return nil
}

// HostParams reads the secret named after host under the KV prefix. Both
// KV v1 and v2 layouts are accepted.
func (c *Client) HostParams(ctx context.Context, host string) (HostParams, error) {
	path := c.config.kvPath + "/" + host
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return HostParams{}, fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return HostParams{}, fmt.Errorf("%w at path: %s", ErrNoSecret, path)
	}
	data := secret.Data
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}

	var params HostParams
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
	})
	if err != nil {
		return HostParams{}, err
	}
	if err := decoder.Decode(data); err != nil {
		return HostParams{}, fmt.Errorf("invalid data format at path %s: %w", path, err)
	}
	return params, nil
}
