package remotecmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecRequestURL(t *testing.T) {
	cases := []struct {
		name     string
		req      ExecRequest
		expQuery string
	}{
		{
			name: "create tar",
			req: ExecRequest{
				Namespace: "ns",
				Pod:       "pod",
				Spec: CommandSpec{
					Command:   []string{"tar", "zcf", "-", "/"},
					Container: "container",
					Stdout:    true,
					Stderr:    true,
				},
			},
			expQuery: "stdout=true&stderr=true&stdin=false&tty=false&command=tar&command=zcf&command=-&command=%2F&container=container",
		},
		{
			name: "extract tar",
			req: ExecRequest{
				Namespace: "ns",
				Pod:       "pod",
				Spec: CommandSpec{
					Command:   []string{"tar", "xf", "-", "-C", "/"},
					Container: "container",
					Stdin:     true,
					Stderr:    true,
				},
			},
			expQuery: "stdout=false&stderr=true&stdin=true&tty=false&command=tar&command=xf&command=-&command=-C&command=%2F&container=container",
		},
		{
			name: "escaping",
			req: ExecRequest{
				Namespace: "ns",
				Pod:       "pod",
				Spec: CommandSpec{
					Command: []string{"sh", "-c", "echo a&b=c d+e"},
					TTY:     true,
				},
			},
			expQuery: "stdout=false&stderr=false&stdin=false&tty=true&command=sh&command=-c&command=echo%20a%26b%3Dc%20d%2Be&container=",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expQuery, c.req.Query())
			assert.Equal(t, c.expQuery, c.req.Query(), "query must be deterministic")
			assert.Equal(t, "https://host:6443/api/v1/namespaces/ns/pods/pod/exec?"+c.expQuery, c.req.URL("https://host:6443/"))
		})
	}
}

func TestExecRequestPath(t *testing.T) {
	req := ExecRequest{Namespace: "somenamespace", Pod: "somepod"}
	assert.Equal(t, "/api/v1/namespaces/somenamespace/pods/somepod/exec", req.Path())
}
