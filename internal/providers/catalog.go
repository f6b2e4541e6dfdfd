package providers

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/tokenbroker/internal/models"
)

// Dialect describes how one provider speaks OAuth and which credential kinds it accepts.
type Dialect struct {
	Provider    string
	DisplayName string

	Endpoint   oauth2.Endpoint
	Scopes     []string
	AuthParams map[string]string // extra authorize query parameters

	// SupportsPAT allows registering a static personal access token instead of OAuth.
	SupportsPAT bool
}

// AuthCodeOptions returns the provider specific authorize parameters.
func (d Dialect) AuthCodeOptions() []oauth2.AuthCodeOption {
	opts := make([]oauth2.AuthCodeOption, 0, len(d.AuthParams))
	for k, v := range d.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return opts
}

const azureDevOpsResource = "499b84ac-1321-427f-aa17-267ca6975798"

var atlassianEndpoint = oauth2.Endpoint{
	AuthURL:   "https://auth.atlassian.com/authorize",
	TokenURL:  "https://auth.atlassian.com/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// defaultDialects returns the built-in provider dialects for a Microsoft Entra tenant.
func defaultDialects(microsoftTenant string) map[string]Dialect {
	entra := microsoft.AzureADEndpoint(microsoftTenant)

	return map[string]Dialect{
		models.ProviderAzureDevOps: {
			Provider:    models.ProviderAzureDevOps,
			DisplayName: "Azure DevOps",
			Endpoint:    entra,
			Scopes:      []string{azureDevOpsResource + "/user_impersonation", "offline_access"},
			SupportsPAT: true,
		},
		models.ProviderJira: {
			Provider:    models.ProviderJira,
			DisplayName: "Jira",
			Endpoint:    atlassianEndpoint,
			Scopes:      []string{"read:jira-work", "write:jira-work", "read:jira-user", "offline_access"},
			AuthParams: map[string]string{
				"audience": "api.atlassian.com",
				"prompt":   "consent",
			},
			SupportsPAT: true,
		},
		models.ProviderOutlook: {
			Provider:    models.ProviderOutlook,
			DisplayName: "Outlook",
			Endpoint:    entra,
			Scopes: []string{
				"https://graph.microsoft.com/Mail.ReadWrite",
				"https://graph.microsoft.com/Calendars.ReadWrite",
				"offline_access",
			},
		},
		models.ProviderSharePoint: {
			Provider:    models.ProviderSharePoint,
			DisplayName: "SharePoint",
			Endpoint:    entra,
			Scopes:      []string{"https://graph.microsoft.com/Sites.ReadWrite.All", "offline_access"},
		},
	}
}

// Credentials are the OAuth client credentials registered with a provider.
type Credentials struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
}

// File is the on-disk provider catalog configuration.
type File struct {
	RedirectBaseURL string                 `yaml:"redirect_base_url"`
	MicrosoftTenant string                 `yaml:"microsoft_tenant"`
	Providers       map[string]Credentials `yaml:"providers"`
}

// Catalog resolves provider dialects and OAuth client configuration.
type Catalog struct {
	redirectBaseURL string
	dialects        map[string]Dialect
	credentials     map[string]Credentials
}

// LoadFile reads a YAML catalog file, expanding ${ENV} references.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog, expanding ${ENV} references.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	return NewCatalog(f)
}

// NewCatalog validates f and builds the catalog. Providers without credentials can still
// accept personal access tokens but cannot run an OAuth handshake.
func NewCatalog(f File) (*Catalog, error) {
	base, err := url.Parse(f.RedirectBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("redirect base URL must be absolute, got %q", f.RedirectBaseURL)
	}

	tenant := f.MicrosoftTenant
	if tenant == "" {
		tenant = "organizations"
	}

	c := &Catalog{
		redirectBaseURL: strings.TrimRight(f.RedirectBaseURL, "/"),
		dialects:        defaultDialects(tenant),
		credentials:     make(map[string]Credentials, len(f.Providers)),
	}

	for name, creds := range f.Providers {
		key, err := Normalize(name)
		if err != nil {
			return nil, err
		}
		if creds.ClientID == "" {
			return nil, fmt.Errorf("provider %s: client_id is required", key)
		}

		d := c.dialects[key]
		if len(creds.Scopes) > 0 {
			d.Scopes = creds.Scopes
		}
		if creds.AuthURL != "" {
			d.Endpoint.AuthURL = creds.AuthURL
		}
		if creds.TokenURL != "" {
			d.Endpoint.TokenURL = creds.TokenURL
		}
		c.dialects[key] = d
		c.credentials[key] = creds
	}

	return c, nil
}

// Dialect returns the dialect for a provider identifier, normalizing it first.
func (c *Catalog) Dialect(provider string) (Dialect, error) {
	key, err := Normalize(provider)
	if err != nil {
		return Dialect{}, err
	}
	d, ok := c.dialects[key]
	if !ok {
		return Dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return d, nil
}

// RedirectURL is the callback URL registered with the provider.
func (c *Catalog) RedirectURL(provider string) string {
	return c.redirectBaseURL + "/integrations/" + provider + "/callback"
}

// OAuthConfig builds the oauth2 client configuration for a provider.
func (c *Catalog) OAuthConfig(provider string) (*oauth2.Config, Dialect, error) {
	d, err := c.Dialect(provider)
	if err != nil {
		return nil, Dialect{}, err
	}

	creds, ok := c.credentials[d.Provider]
	if !ok {
		return nil, Dialect{}, fmt.Errorf("%w: %s has no OAuth client configured", ErrUnsupportedProvider, d.Provider)
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     d.Endpoint,
		RedirectURL:  c.RedirectURL(d.Provider),
		Scopes:       d.Scopes,
	}, d, nil
}

// Capability summarizes how a provider can be connected.
type Capability struct {
	Provider    string
	DisplayName string
	OAuth       bool // an OAuth client is configured
	PAT         bool
}

// Capabilities lists every known provider in a stable order.
func (c *Catalog) Capabilities() []Capability {
	caps := make([]Capability, 0, len(c.dialects))
	for _, key := range All() {
		d, ok := c.dialects[key]
		if !ok {
			continue
		}
		_, oauth := c.credentials[key]
		caps = append(caps, Capability{
			Provider:    key,
			DisplayName: d.DisplayName,
			OAuth:       oauth,
			PAT:         d.SupportsPAT,
		})
	}
	return caps
}
