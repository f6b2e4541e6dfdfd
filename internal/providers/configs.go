package providers

import "github.com/wolfeidau/tokenbroker/internal/models"

// Config is the validated configuration of one provider. The concrete type is one of
// *AzureDevOpsConfig, *JiraConfig, *OutlookConfig or *SharePointConfig.
type Config interface {
	Provider() string
	isProviderConfig()
}

// AzureDevOpsConfig configures work item creation in an Azure DevOps organization.
type AzureDevOpsConfig struct {
	OrganizationURL     string            `json:"organizationUrl" validate:"required,https_url"`
	Project             string            `json:"project,omitempty" validate:"omitempty,max=64"`
	WorkItemTypeMapping map[string]string `json:"workItemTypeMapping,omitempty" validate:"omitempty,max=32,dive,keys,required,max=64,endkeys,required,max=128"`
	AreaPath            string            `json:"areaPath,omitempty" validate:"omitempty,max=256"`
}

func (*AzureDevOpsConfig) Provider() string { return models.ProviderAzureDevOps }
func (*AzureDevOpsConfig) isProviderConfig() {}

// WorkItemType resolves a local item kind ("bug", "task") to the Azure DevOps type name.
func (c *AzureDevOpsConfig) WorkItemType(kind string) string {
	if t, ok := c.WorkItemTypeMapping[kind]; ok {
		return t
	}
	switch kind {
	case "bug":
		return "Bug"
	default:
		return "Task"
	}
}

// JiraConfig selects the Jira Cloud site and project issues are filed into.
type JiraConfig struct {
	CloudID    string `json:"cloudId" validate:"required,max=64"`
	ProjectKey string `json:"projectKey" validate:"required,max=255,jira_project_key"`
	IssueType  string `json:"issueType,omitempty" validate:"omitempty,max=64"`
}

func (*JiraConfig) Provider() string { return models.ProviderJira }
func (*JiraConfig) isProviderConfig() {}

// IssueTypeOrDefault returns the configured issue type, "Task" when unset.
func (c *JiraConfig) IssueTypeOrDefault() string {
	if c.IssueType == "" {
		return "Task"
	}
	return c.IssueType
}

// OutlookConfig selects the mailbox and folder used for mail and calendar access.
type OutlookConfig struct {
	Mailbox string `json:"mailbox" validate:"required,email"`
	Folder  string `json:"folder,omitempty" validate:"omitempty,max=128"`
}

func (*OutlookConfig) Provider() string { return models.ProviderOutlook }
func (*OutlookConfig) isProviderConfig() {}

// FolderOrDefault returns the configured folder, "Inbox" when unset.
func (c *OutlookConfig) FolderOrDefault() string {
	if c.Folder == "" {
		return "Inbox"
	}
	return c.Folder
}

// SharePointConfig selects the site and document library documents are read from.
type SharePointConfig struct {
	SiteURL         string `json:"siteUrl" validate:"required,https_url"`
	DocumentLibrary string `json:"documentLibrary,omitempty" validate:"omitempty,max=128"`
}

func (*SharePointConfig) Provider() string { return models.ProviderSharePoint }
func (*SharePointConfig) isProviderConfig() {}

// DocumentLibraryOrDefault returns the configured library, "Documents" when unset.
func (c *SharePointConfig) DocumentLibraryOrDefault() string {
	if c.DocumentLibrary == "" {
		return "Documents"
	}
	return c.DocumentLibrary
}

// WithDefaults returns a copy of cfg with every optional setting resolved to the value
// in effect. The stored config keeps only what the user set.
func WithDefaults(cfg Config) Config {
	switch c := cfg.(type) {
	case *AzureDevOpsConfig:
		out := *c
		out.WorkItemTypeMapping = make(map[string]string, len(c.WorkItemTypeMapping)+2)
		for _, kind := range []string{"bug", "task"} {
			out.WorkItemTypeMapping[kind] = c.WorkItemType(kind)
		}
		for kind, name := range c.WorkItemTypeMapping {
			out.WorkItemTypeMapping[kind] = name
		}
		return &out
	case *JiraConfig:
		out := *c
		out.IssueType = c.IssueTypeOrDefault()
		return &out
	case *OutlookConfig:
		out := *c
		out.Folder = c.FolderOrDefault()
		return &out
	case *SharePointConfig:
		out := *c
		out.DocumentLibrary = c.DocumentLibraryOrDefault()
		return &out
	default:
		return cfg
	}
}
