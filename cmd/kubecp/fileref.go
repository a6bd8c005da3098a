package main

import (
	"errors"
	"fmt"
	"strings"
)

// fileRef is one side of a copy, either a local path or a path inside a pod.
type fileRef struct {
	Namespace string
	Pod       string
	Path      string
}

func (f fileRef) Remote() bool { return f.Pod != "" }

// parseFileRef parses "[namespace/]pod:path". Anything without a pod prefix is a local path.
func parseFileRef(s, defaultNamespace string) (fileRef, error) {
	if s == "" {
		return fileRef{}, errors.New("empty path")
	}
	i := strings.Index(s, ":")
	if i <= 0 || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") {
		return fileRef{Path: s}, nil
	}

	prefix, path := s[:i], s[i+1:]
	if path == "" {
		return fileRef{}, fmt.Errorf("%q: remote path must not be empty", s)
	}
	ref := fileRef{Namespace: defaultNamespace, Pod: prefix, Path: path}
	if ns, pod, ok := strings.Cut(prefix, "/"); ok {
		if ns == "" || pod == "" || strings.Contains(pod, "/") {
			return fileRef{}, fmt.Errorf("%q: expected [namespace/]pod:path", s)
		}
		ref.Namespace, ref.Pod = ns, pod
	}
	return ref, nil
}
