package remotecmd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CommandSpec describes the remote process to start and which of its streams to attach.
type CommandSpec struct {
	Command   []string
	Container string

	Stdin  bool
	Stdout bool
	Stderr bool
	TTY    bool
}

// ExecRequest binds a CommandSpec to a pod.
type ExecRequest struct {
	Namespace string
	Pod       string
	Spec      CommandSpec
}

// Path returns the exec endpoint path for the request's pod.
func (r ExecRequest) Path() string {
	return fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/exec", url.PathEscape(r.Namespace), url.PathEscape(r.Pod))
}

// Query serializes the CommandSpec with keys in the order the exec endpoint expects:
// stdout, stderr, stdin, tty, command (repeated), container.
// The result is deterministic, so it can be compared byte-for-byte.
func (r ExecRequest) Query() string {
	var b strings.Builder
	writeKV := func(k, v string) {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(v))
	}
	writeKV("stdout", strconv.FormatBool(r.Spec.Stdout))
	writeKV("stderr", strconv.FormatBool(r.Spec.Stderr))
	writeKV("stdin", strconv.FormatBool(r.Spec.Stdin))
	writeKV("tty", strconv.FormatBool(r.Spec.TTY))
	for _, c := range r.Spec.Command {
		writeKV("command", c)
	}
	writeKV("container", r.Spec.Container)
	return b.String()
}

// URL returns the full exec URL relative to base, which is the API server's scheme and host.
func (r ExecRequest) URL(base string) string {
	return strings.TrimSuffix(base, "/") + r.Path() + "?" + r.Query()
}

// escape percent-encodes a query value, using %20 for spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
