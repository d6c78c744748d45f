package permission

import "encoding/json"

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// Document renders an identity as an IAM-style policy document.
func Document(id Identity) ([]byte, error) {
	doc := policyDocument{Version: "2012-10-17"}
	for _, g := range id.Grants {
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:      sid(g.ID),
			Effect:   "Allow",
			Action:   g.Actions,
			Resource: g.Resources,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// IAM statement ids are alphanumeric only.
func sid(id string) string {
	out := make([]byte, 0, len(id))
	upper := true
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
			if upper {
				c -= 'a' - 'A'
			}
			upper = false
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			upper = false
		default:
			upper = true
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
