package models

import "time"

// Supported clouds.
const (
	CloudAWS   = "AWS"
	CloudAzure = "AZURE"
	CloudGCP   = "GOOGLE"
	CloudK8s   = "KUBERNETES"
)

// Tenant is a customer's registered cloud account/subscription/project.
type Tenant struct {
	Name         string    `json:"name"`
	CustomerName string    `json:"customer_name"`
	Cloud        string    `json:"cloud"`
	AccountID    string    `json:"account_id"`
	Regions      []string  `json:"regions"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}
