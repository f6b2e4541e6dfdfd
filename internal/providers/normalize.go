package providers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/tokenbroker/internal/models"
)

// ErrUnsupportedProvider is returned for provider identifiers with no registered schema.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// aliases maps compacted identifiers (lower-case, separators removed) to canonical keys.
var aliases = map[string]string{
	"azuredevops":         models.ProviderAzureDevOps,
	"azuredevopsservices": models.ProviderAzureDevOps,
	"ado":                 models.ProviderAzureDevOps,
	"vsts":                models.ProviderAzureDevOps,

	"jira":      models.ProviderJira,
	"jiracloud": models.ProviderJira,
	"atlassian": models.ProviderJira,

	"outlook":          models.ProviderOutlook,
	"microsoftoutlook": models.ProviderOutlook,
	"office365mail":    models.ProviderOutlook,
	"o365mail":         models.ProviderOutlook,

	"sharepoint":          models.ProviderSharePoint,
	"sharepointonline":    models.ProviderSharePoint,
	"microsoftsharepoint": models.ProviderSharePoint,
}

// Normalize maps a caller-supplied provider identifier to its canonical key,
// e.g. "AzureDevOps", "azure_devops" and "azure-devops" all become "azure-devops".
func Normalize(provider string) (string, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '.', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(provider)))

	canonical, ok := aliases[compact]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	return canonical, nil
}

// All returns the canonical provider keys in a stable order.
func All() []string {
	return []string{
		models.ProviderAzureDevOps,
		models.ProviderJira,
		models.ProviderOutlook,
		models.ProviderSharePoint,
	}
}
