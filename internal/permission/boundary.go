package permission

import (
	"errors"
	"strings"
)

const s3ARNPrefix = "arn:aws:s3:::"

func BucketARN(bucket string) string { return s3ARNPrefix + bucket }

func ObjectARN(bucket, key string) string { return s3ARNPrefix + bucket + "/" + key }

func TaskARN(deployment, taskID string) string {
	return "coughsense:task:" + deployment + "/" + taskID
}

func LogGroupARN(group string) string {
	return "arn:aws:logs:*:*:log-group:" + group
}

func ImageARN(repository string) string { return "image:" + repository }

// Target is everything ForDeployment needs to know about a deployment.
type Target struct {
	Deployment      string
	Naming          Naming
	Bucket          string
	ImageRepository string
	LogGroup        string
}

// ForDeployment builds the canonical least-privilege boundary.
func ForDeployment(t Target) (Spec, error) {
	if strings.TrimSpace(t.Bucket) == "" {
		return Spec{}, errors.New("bucket is required")
	}
	execName, err := RoleName(t.Naming, t.Deployment, PurposeExecution)
	if err != nil {
		return Spec{}, err
	}
	dataName, err := RoleName(t.Naming, t.Deployment, PurposeData)
	if err != nil {
		return Spec{}, err
	}

	spec := Spec{
		Schema: SpecSchemaV1,
		Identities: []Identity{
			{
				Name:    execName,
				Purpose: PurposeExecution,
				Grants: []Grant{
					{
						ID:        "launch-tasks",
						Actions:   []string{ActionTaskLaunch, ActionTaskInspect, ActionTaskReclaim},
						Resources: []string{TaskARN(t.Deployment, "*")},
					},
					{
						ID:        "pull-image",
						Actions:   []string{ActionImagePull},
						Resources: []string{ImageARN(t.ImageRepository)},
					},
					{
						ID:        "write-logs",
						Actions:   []string{ActionLogsStream, ActionLogsPut},
						Resources: []string{LogGroupARN(t.LogGroup) + ":*"},
					},
				},
			},
			{
				Name:    dataName,
				Purpose: PurposeData,
				Grants: []Grant{
					{
						ID:        "read-write-objects",
						Actions:   []string{ActionGetObject, ActionPutObject},
						Resources: []string{ObjectARN(t.Bucket, "*")},
					},
					{
						ID:        "list-bucket",
						Actions:   []string{ActionListBucket},
						Resources: []string{BucketARN(t.Bucket)},
					},
				},
			},
		},
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
