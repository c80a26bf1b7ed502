package auth

import (
	"confstore/internal/types"
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-yaml"
)

// Policy grants principals access to namespaces beyond their own tenant.
//
//	grants:
//	  - tenant: acme
//	    namespaces: [shared]
//	  - subject: ci-bot
//	    namespaces: [staging, prod]
type Policy struct {
	Grants []Grant `yaml:"grants"`
}

// Grant matches on Subject or Tenant (whichever is set; both must match when both are set).
type Grant struct {
	Subject    string   `yaml:"subject,omitempty"`
	Tenant     string   `yaml:"tenant,omitempty"`
	Namespaces []string `yaml:"namespaces"`
}

func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	for i, g := range p.Grants {
		if g.Subject == "" && g.Tenant == "" {
			return nil, fmt.Errorf("invalid policy: grant %d names neither subject nor tenant", i)
		}
		for _, ns := range g.Namespaces {
			if err := types.ValidateRepositoryID(types.RepositoryID{Namespace: ns, Name: "x"}); err != nil {
				return nil, fmt.Errorf("invalid policy: grant %d: %w", i, err)
			}
		}
	}
	return &p, nil
}

// Namespaces returns the namespaces p may access: its tenant, its token claims and any policy grants.
func (pol *Policy) Namespaces(p types.Principal) []string {
	out := p.AllNamespaces()
	if pol == nil {
		return out
	}
	for _, g := range pol.Grants {
		if g.Subject != "" && g.Subject != p.Subject {
			continue
		}
		if g.Tenant != "" && g.Tenant != p.Tenant {
			continue
		}
		for _, ns := range g.Namespaces {
			if !slices.Contains(out, ns) {
				out = append(out, ns)
			}
		}
	}
	return out
}
