package remotecmd

import (
	"encoding/json"
	"strconv"
)

const (
	StatusSuccess = "Success"
	StatusFailure = "Failure"

	// ReasonNonZeroExitCode is the status reason used when the process exited with a non-zero code.
	ReasonNonZeroExitCode = "NonZeroExitCode"
	// CauseExitCode is the cause reason whose message holds the exit code.
	CauseExitCode = "ExitCode"
)

// Status is the terminal message sent on the status channel.
type Status struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details *StatusDetails `json:"details,omitempty"`
}

type StatusDetails struct {
	Causes []StatusCause `json:"causes,omitempty"`
}

type StatusCause struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseStatus decodes a status channel payload.
func ParseStatus(b []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, &ProtocolError{Msg: "decoding status", Err: err}
	}
	if s.Status != StatusSuccess && s.Status != StatusFailure {
		return nil, &ProtocolError{Msg: "unknown status " + strconv.Quote(s.Status)}
	}
	return &s, nil
}

// ExitCode returns the exit code carried by the status.
// Success is 0, a failure without an exit code cause is -1.
func (s *Status) ExitCode() int {
	if s.Status == StatusSuccess {
		return 0
	}
	if s.Details != nil {
		for _, c := range s.Details.Causes {
			if c.Reason != CauseExitCode {
				continue
			}
			if code, err := strconv.Atoi(c.Message); err == nil {
				return code
			}
		}
	}
	return -1
}

// Err returns a *RemoteCommandError if the status is a failure, otherwise nil.
func (s *Status) Err() error {
	if s.Status == StatusSuccess {
		return nil
	}
	return &RemoteCommandError{Status: *s, ExitCode: s.ExitCode()}
}

// NewExitStatus builds the status a server reports for a process exit code.
func NewExitStatus(code int) Status {
	if code == 0 {
		return Status{Status: StatusSuccess}
	}
	return Status{
		Status:  StatusFailure,
		Message: "command terminated with non-zero exit code: exit status " + strconv.Itoa(code),
		Reason:  ReasonNonZeroExitCode,
		Details: &StatusDetails{
			Causes: []StatusCause{{Reason: CauseExitCode, Message: strconv.Itoa(code)}},
		},
	}
}
