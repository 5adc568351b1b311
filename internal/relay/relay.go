// Package relay is the client side of the sponsored-relay provider.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/and161185/walletrelay/internal/errs"
)

// Request is a meta-transaction handed to the relay for sponsored execution.
type Request struct {
	ChainID   uint64 `json:"chainId"`
	Target    string `json:"target"`    // contract called by the relay
	Data      string `json:"data"`      // 0x calldata
	User      string `json:"user"`      // wallet that authorized the call
	Nonce     string `json:"userNonce"` // authorization nonce
	Signature string `json:"userSignature"`
}

// Result is returned by a successful submission.
type Result struct {
	TaskID string
	Hash   string // empty until the relay reports one
}

// TaskState is the relay-side lifecycle of a task.
type TaskState string

const (
	TaskCheckPending           TaskState = "CheckPending"
	TaskExecPending            TaskState = "ExecPending"
	TaskWaitingForConfirmation TaskState = "WaitingForConfirmation"
	TaskExecSuccess            TaskState = "ExecSuccess"
	TaskExecReverted           TaskState = "ExecReverted"
	TaskCancelled              TaskState = "Cancelled"
)

// TaskStatus is a polled task snapshot.
type TaskStatus struct {
	TaskID  string
	State   TaskState
	Hash    string
	Message string
}

// Done reports whether the task reached a final state.
func (s TaskStatus) Done() bool {
	switch s.State {
	case TaskExecSuccess, TaskExecReverted, TaskCancelled:
		return true
	}
	return false
}

// Relayer submits requests and reports their progress.
type Relayer interface {
	Submit(ctx context.Context, req Request) (Result, error)
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// Kind separates retryable from terminal failures.
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified relay failure.
type Error struct {
	Kind Kind
	Op   string
	Code int // HTTP status, 0 when not applicable
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("relay ")
	b.WriteString(e.Op)
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps the kind onto the shared relay sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case errs.ErrRelayTransient:
		return e.Kind == Transient
	case errs.ErrRelayPermanent:
		return e.Kind == Permanent
	}
	return false
}

// ErrTaskGone marks a task the relay dropped without executing it.
var ErrTaskGone = errors.New("relay task gone")

// TaskGone reports whether err says the task was cancelled or is unknown to the relay.
// Only then is it safe to submit the same operation again.
func TaskGone(err error) bool {
	if errors.Is(err, ErrTaskGone) {
		return true
	}
	var re *Error
	return errors.As(err, &re) && re.Op == "status" && re.Code == http.StatusNotFound
}

// Permanentf builds a terminal error.
func Permanentf(op, format string, args ...any) *Error {
	return &Error{Kind: Permanent, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Classify decides whether err is worth retrying. Timeouts, network errors
// and anything not known to be permanent are transient.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, errs.ErrRelayPermanent) {
		return Permanent
	}
	return Transient
}

// permanentMessages are relay rejection reasons that no retry can fix.
var permanentMessages = []string{
	"insufficient funds",
	"invalid recipient",
	"invalid signature",
	"execution reverted",
	"invalid address",
}

// classifyMessage upgrades a message-bearing failure to Permanent when it names a known terminal cause.
func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	for _, p := range permanentMessages {
		if strings.Contains(m, p) {
			return Permanent
		}
	}
	return Transient
}
