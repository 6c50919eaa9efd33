// Package creds resolves per-tenant cloud credentials for scan
// execution. Secrets never enter the job row; backends receive them as
// environment variables at submission time only.
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"custodian-service/internal/models"
)

// Resolver maps a tenant to the environment a scan needs to
// authenticate against its cloud.
type Resolver interface {
	Resolve(tenant models.Tenant) (map[string]string, error)
}

type entry struct {
	RoleARN        string            `json:"role_arn,omitempty"`
	ClientID       string            `json:"client_id,omitempty"`
	ClientSecret   string            `json:"client_secret,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	Kubeconfig     string            `json:"kubeconfig,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// FileResolver reads a JSON credentials file keyed by
// "customer/tenant". The file is loaded once and cached.
type FileResolver struct {
	path string

	once    sync.Once
	loadErr error
	entries map[string]entry
}

// NewFileResolver builds a resolver over the given credentials file.
func NewFileResolver(path string) *FileResolver {
	return &FileResolver{path: path}
}

func (r *FileResolver) load() {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.loadErr = fmt.Errorf("read credentials file: %w", err)
		return
	}
	if err := json.Unmarshal(raw, &r.entries); err != nil {
		r.loadErr = fmt.Errorf("parse credentials file: %w", err)
	}
}

// Resolve returns the environment for one tenant's scan. Unknown
// tenants are an error: submitting a scan that cannot authenticate
// only burns a backend slot.
func (r *FileResolver) Resolve(tenant models.Tenant) (map[string]string, error) {
	r.once.Do(r.load)
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	e, ok := r.entries[tenant.CustomerName+"/"+tenant.Name]
	if !ok {
		return nil, fmt.Errorf("no credentials for tenant %s/%s", tenant.CustomerName, tenant.Name)
	}

	env := map[string]string{}
	switch tenant.Cloud {
	case models.CloudAWS:
		env["CUSTODIAN_ROLE_ARN"] = e.RoleARN
		env["CUSTODIAN_ACCOUNT_ID"] = tenant.AccountID
	case models.CloudAzure:
		env["AZURE_CLIENT_ID"] = e.ClientID
		env["AZURE_CLIENT_SECRET"] = e.ClientSecret
		env["AZURE_SUBSCRIPTION_ID"] = e.SubscriptionID
	case models.CloudGCP:
		env["GOOGLE_CLOUD_PROJECT"] = e.ProjectID
	case models.CloudK8s:
		env["KUBECONFIG"] = e.Kubeconfig
	default:
		return nil, fmt.Errorf("unsupported cloud %q for tenant %s", tenant.Cloud, tenant.Name)
	}
	for k, v := range e.Extra {
		env[k] = v
	}
	return env, nil
}

// Static is a fixed in-memory resolver, used in tests and local runs.
type Static map[string]map[string]string

// Resolve returns the configured environment for the tenant.
func (s Static) Resolve(tenant models.Tenant) (map[string]string, error) {
	env, ok := s[tenant.CustomerName+"/"+tenant.Name]
	if !ok {
		return nil, fmt.Errorf("no credentials for tenant %s/%s", tenant.CustomerName, tenant.Name)
	}
	return env, nil
}
