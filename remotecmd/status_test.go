package remotecmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		expErr      bool
		expStatus   string
		expExitCode int
	}{
		{
			name:      "success",
			body:      `{"metadata":{},"status":"Success"}`,
			expStatus: StatusSuccess,
		},
		{
			name:        "non-zero exit",
			body:        `{"metadata":{},"status":"Failure","message":"command terminated with non-zero exit code: exit status 2","reason":"NonZeroExitCode","details":{"causes":[{"reason":"ExitCode","message":"2"}]}}`,
			expStatus:   StatusFailure,
			expExitCode: 2,
		},
		{
			name:        "failure without exit code",
			body:        `{"status":"Failure","message":"container not found","reason":"InternalError"}`,
			expStatus:   StatusFailure,
			expExitCode: -1,
		},
		{name: "not json", body: `nope`, expErr: true},
		{name: "unknown status", body: `{"status":"Maybe"}`, expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st, err := ParseStatus([]byte(c.body))
			if c.expErr {
				var perr *ProtocolError
				require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expStatus, st.Status)
			assert.Equal(t, c.expExitCode, st.ExitCode())
		})
	}
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, (&Status{Status: StatusSuccess}).Err())

	st := NewExitStatus(3)
	err := st.Err()
	var rerr *RemoteCommandError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 3, rerr.ExitCode)
	assert.Equal(t, ReasonNonZeroExitCode, rerr.Status.Reason)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "NonZeroExitCode")
}

func TestNewExitStatusSuccess(t *testing.T) {
	st := NewExitStatus(0)
	assert.Equal(t, StatusSuccess, st.Status)
	assert.Nil(t, st.Details)
}
