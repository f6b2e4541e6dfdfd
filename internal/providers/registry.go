package providers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wolfeidau/tokenbroker/internal/models"
)

// ErrSchemaValidation is matched by every *ValidationError.
var ErrSchemaValidation = errors.New("schema validation failed")

// ValidationError reports the first offending field of a configuration payload.
type ValidationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s config: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s config: field %q %s", e.Provider, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// maxPayloadBytes bounds the size of a raw configuration payload.
const maxPayloadBytes = 64 * 1024

var jiraProjectKey = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

type schema struct {
	version   int
	newConfig func() Config
}

// Registry maps canonical provider keys to configuration schemas.
// It is built once and never mutated.
type Registry struct {
	schemas  map[string]schema
	validate *validator.Validate
}

// NewRegistry builds the static registry of provider schemas.
func NewRegistry() *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report json field names rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// registration only fails on programmer error (bad tag name or nil func)
	_ = v.RegisterValidation("https_url", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.Scheme == "https" && u.Host != ""
	})
	_ = v.RegisterValidation("jira_project_key", func(fl validator.FieldLevel) bool {
		return jiraProjectKey.MatchString(fl.Field().String())
	})

	return &Registry{
		validate: v,
		schemas: map[string]schema{
			models.ProviderAzureDevOps: {version: 1, newConfig: func() Config { return &AzureDevOpsConfig{} }},
			models.ProviderJira:        {version: 1, newConfig: func() Config { return &JiraConfig{} }},
			models.ProviderOutlook:     {version: 1, newConfig: func() Config { return &OutlookConfig{} }},
			models.ProviderSharePoint:  {version: 1, newConfig: func() Config { return &SharePointConfig{} }},
		},
	}
}

// SchemaVersion returns the current schema version for a provider.
func (r *Registry) SchemaVersion(provider string) (int, error) {
	key, err := Normalize(provider)
	if err != nil {
		return 0, err
	}
	s, ok := r.schemas[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return s.version, nil
}

// Validate normalizes the provider key, decodes raw into that provider's config variant
// and checks it against the schema.
func (r *Registry) Validate(provider string, raw []byte) (Config, error) {
	key, err := Normalize(provider)
	if err != nil {
		return nil, err
	}

	s, ok := r.schemas[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}

	if len(raw) > maxPayloadBytes {
		return nil, &ValidationError{Provider: key, Reason: "payload too large"}
	}

	cfg := s.newConfig()
	if err := decodeStrict(raw, cfg); err != nil {
		return nil, decodeError(key, err)
	}

	if n, ok := cfg.(interface{ normalize() }); ok {
		n.normalize()
	}

	if err := r.validate.Struct(cfg); err != nil {
		return nil, fieldError(key, err)
	}

	return cfg, nil
}

// Serialize renders a validated config to its canonical stored form.
func Serialize(cfg Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return json.Marshal(cfg)
}

func (c *AzureDevOpsConfig) normalize() {
	c.OrganizationURL = strings.TrimRight(strings.TrimSpace(c.OrganizationURL), "/")
	if len(c.WorkItemTypeMapping) == 0 {
		c.WorkItemTypeMapping = nil
	}
}

func (c *JiraConfig) normalize() {
	c.CloudID = strings.TrimSpace(c.CloudID)
	c.ProjectKey = strings.TrimSpace(c.ProjectKey)
}

func (c *OutlookConfig) normalize() {
	c.Mailbox = strings.ToLower(strings.TrimSpace(c.Mailbox))
}

func (c *SharePointConfig) normalize() {
	c.SiteURL = strings.TrimRight(strings.TrimSpace(c.SiteURL), "/")
}

func decodeStrict(raw []byte, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}

	return nil
}

var (
	errEmptyPayload = errors.New("payload is empty")
	errTrailingData = errors.New("unexpected data after JSON object")
)

func decodeError(provider string, err error) error {
	var (
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)

	switch {
	case errors.As(err, &typeErr):
		return &ValidationError{Provider: provider, Field: typeErr.Field, Reason: "must be of type " + typeErr.Type.String()}
	case errors.As(err, &syntaxErr):
		return &ValidationError{Provider: provider, Reason: "malformed JSON"}
	case errors.Is(err, errEmptyPayload), errors.Is(err, errTrailingData):
		return &ValidationError{Provider: provider, Reason: err.Error()}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return &ValidationError{Provider: provider, Field: field, Reason: "is not a known field"}
	default:
		return &ValidationError{Provider: provider, Reason: "malformed JSON"}
	}
}

func fieldError(provider string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Provider: provider, Reason: "invalid payload"}
	}

	fe := verrs[0]
	return &ValidationError{Provider: provider, Field: fe.Field(), Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "https_url":
		return "must be an https URL"
	case "email":
		return "must be a valid email address"
	case "jira_project_key":
		return "must be an upper-case Jira project key"
	case "max":
		if fe.Kind() == reflect.Map {
			return "must have at most " + fe.Param() + " entries"
		}
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
