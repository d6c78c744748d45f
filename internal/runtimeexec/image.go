package runtimeexec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ValidateImageRef requires an immutable reference: either a sha256 digest or
// an explicit tag other than "latest". A new behaviour version is a new tag.
func ValidateImageRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrImageRefMutable)
	}
	if _, ok := ImageDigest(ref); ok {
		return nil
	}
	repo, tag := SplitImageRef(ref)
	if repo == "" || tag == "" {
		return fmt.Errorf("%w: %q has no tag", ErrImageRefMutable, ref)
	}
	if strings.EqualFold(tag, "latest") {
		return fmt.Errorf("%w: %q uses latest", ErrImageRefMutable, ref)
	}
	return nil
}

// SplitImageRef separates repository and tag. A colon inside the registry host
// (a port) is not a tag separator.
func SplitImageRef(ref string) (repository, tag string) {
	ref = strings.TrimSpace(ref)
	if at := strings.Index(ref, "@"); at >= 0 {
		ref = ref[:at]
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, ""
}

// ImageDigest extracts the sha256 digest from repo@sha256:... references.
func ImageDigest(ref string) (string, bool) {
	at := strings.LastIndex(ref, "@")
	if at <= 0 {
		return "", false
	}
	digest := strings.ToLower(strings.TrimSpace(ref[at+1:]))
	if !isSHA256Digest(digest) {
		return "", false
	}
	return digest, true
}

func isSHA256Digest(value string) bool {
	hexPart, ok := strings.CutPrefix(value, "sha256:")
	if !ok || len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
