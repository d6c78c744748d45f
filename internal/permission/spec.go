// Package permission models the two identities a deployment runs under and
// evaluates requests against them.
//
// The execution identity lets the platform launch tasks, pull the image and
// write logs. The data identity is what the task itself holds: object reads,
// writes and listings inside the deployment bucket, nothing else. The two never
// share an action.
package permission

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "coughsense.permissions.v1"

type Purpose string

const (
	PurposeExecution Purpose = "execution"
	PurposeData      Purpose = "data"
)

const (
	ActionTaskLaunch  = "task:launch"
	ActionTaskInspect = "task:inspect"
	ActionTaskReclaim = "task:reclaim"
	ActionImagePull   = "image:pull"
	ActionLogsStream  = "logs:CreateLogStream"
	ActionLogsPut     = "logs:PutLogEvents"

	ActionGetObject  = "s3:GetObject"
	ActionPutObject  = "s3:PutObject"
	ActionListBucket = "s3:ListBucket"
)

// dataActions is the closed set the data identity may ever hold.
var dataActions = map[string]bool{
	ActionGetObject:  true,
	ActionPutObject:  true,
	ActionListBucket: true,
}

type Spec struct {
	Schema     string     `json:"schema" yaml:"schema"`
	Identities []Identity `json:"identities" yaml:"identities"`
}

type Identity struct {
	Name    string  `json:"name" yaml:"name"`
	Purpose Purpose `json:"purpose" yaml:"purpose"`
	Grants  []Grant `json:"grants" yaml:"grants"`
}

type Grant struct {
	ID        string   `json:"id" yaml:"id"`
	Actions   []string `json:"actions" yaml:"actions"`
	Resources []string `json:"resources" yaml:"resources"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode permissions: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func LoadSpec(path string) (Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read permissions: %w", err)
	}
	return ParseSpec(b)
}

func (s Spec) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Identity returns the identity serving purpose.
func (s Spec) Identity(p Purpose) (Identity, bool) {
	for _, id := range s.Identities {
		if id.Purpose == p {
			return id, true
		}
	}
	return Identity{}, false
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if len(s.Identities) != 2 {
		return errors.New("spec.identities must hold exactly one execution and one data identity")
	}

	names := map[string]bool{}
	purposes := map[Purpose]bool{}
	holders := map[string]Purpose{}
	for i, id := range s.Identities {
		prefix := fmt.Sprintf("spec.identities[%d]", i)
		if strings.TrimSpace(id.Name) == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if names[id.Name] {
			return fmt.Errorf("%s.name must be unique (duplicate %q)", prefix, id.Name)
		}
		names[id.Name] = true
		if id.Purpose != PurposeExecution && id.Purpose != PurposeData {
			return fmt.Errorf("%s.purpose unsupported: %q", prefix, id.Purpose)
		}
		if purposes[id.Purpose] {
			return fmt.Errorf("%s.purpose %q is already assigned", prefix, id.Purpose)
		}
		purposes[id.Purpose] = true
		if len(id.Grants) == 0 {
			return fmt.Errorf("%s.grants must be non-empty", prefix)
		}

		for j, g := range id.Grants {
			gp := fmt.Sprintf("%s.grants[%d]", prefix, j)
			if len(g.Actions) == 0 || len(g.Resources) == 0 {
				return fmt.Errorf("%s must list actions and resources", gp)
			}
			for _, action := range g.Actions {
				if owner, ok := holders[action]; ok && owner != id.Purpose {
					return fmt.Errorf("%s.actions: %q is granted to both identities", gp, action)
				}
				holders[action] = id.Purpose
				if id.Purpose == PurposeData && !dataActions[action] {
					return fmt.Errorf("%s.actions: %q is not a data action", gp, action)
				}
				if id.Purpose == PurposeExecution && coversDataAction(action) {
					return fmt.Errorf("%s.actions: execution identity may not hold %q", gp, action)
				}
			}
			if id.Purpose == PurposeData {
				for _, res := range g.Resources {
					if err := validateBucketResource(res); err != nil {
						return fmt.Errorf("%s.resources: %w", gp, err)
					}
				}
			}
		}
	}
	return nil
}

// coversDataAction reports whether an action pattern reaches storage, either
// by naming the s3 service or by matching a data action through wildcards.
func coversDataAction(pattern string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "s3:") {
		return true
	}
	for action := range dataActions {
		if globMatch(pattern, strings.ToLower(action)) {
			return true
		}
	}
	return false
}

// validateBucketResource rejects any data resource that could name more than
// one bucket.
func validateBucketResource(res string) error {
	rest, ok := strings.CutPrefix(res, s3ARNPrefix)
	if !ok {
		return fmt.Errorf("%q is not an S3 ARN", res)
	}
	bucket, _, _ := strings.Cut(rest, "/")
	if bucket == "" || strings.ContainsAny(bucket, "*?") {
		return fmt.Errorf("%q must name a single bucket", res)
	}
	return nil
}
