package permission

import (
	"fmt"
	"strings"
)

// Naming selects how role identifiers are derived. Older deployments used
// fixed generic names; newer ones prefix the deployment name so several
// deployments can share an account.
type Naming string

const (
	NamingGeneric  Naming = "generic"
	NamingPrefixed Naming = "prefixed"
)

func (n Naming) Valid() bool {
	return n == NamingGeneric || n == NamingPrefixed
}

// RoleName is the single source of role identifiers for both conventions.
func RoleName(n Naming, deployment string, p Purpose) (string, error) {
	var suffix string
	switch p {
	case PurposeExecution:
		suffix = "task-execution-role"
	case PurposeData:
		suffix = "task-data-role"
	default:
		return "", fmt.Errorf("unknown purpose %q", p)
	}
	switch n {
	case NamingGeneric:
		return suffix, nil
	case NamingPrefixed:
		deployment = strings.TrimSpace(deployment)
		if deployment == "" {
			return "", fmt.Errorf("prefixed role naming requires a deployment name")
		}
		return deployment + "-" + suffix, nil
	}
	return "", fmt.Errorf("unknown role naming %q", n)
}
