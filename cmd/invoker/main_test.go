package main

import (
	"testing"

	"github.com/coughsense/coughsense-go/internal/platform/objectstore"
)

func TestStoreTaskEnvCarriesNoCredentials(t *testing.T) {
	got := storeTaskEnv(objectstore.Config{
		Endpoint:  "minio.internal:9000",
		AccessKey: "invoker-key",
		SecretKey: "invoker-secret",
		Region:    "eu-west-1",
		UseSSL:    false,
	})
	want := map[string]string{
		"COUGHSENSE_S3_ENDPOINT": "minio.internal:9000",
		"COUGHSENSE_S3_USE_SSL":  "false",
		"COUGHSENSE_S3_REGION":   "eu-west-1",
	}
	if len(got) != len(want) {
		t.Fatalf("env=%v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%q, want %q", k, got[k], v)
		}
	}
}
