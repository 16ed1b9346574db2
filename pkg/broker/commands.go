package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
)

// Command is a decision on a request, parsed once at the boundary.
type Command interface {
	RequestID() int64
	command()
}

// ApproveCommand approves a request.
type ApproveCommand struct {
	Request int64
	AdminID int64
}

// RejectCommand rejects a request.
type RejectCommand struct {
	Request int64
	AdminID int64
	Reason  string
}

// CancelCommand withdraws a request on behalf of its requester.
type CancelCommand struct {
	Request     int64
	RequesterID int64
}

func (c ApproveCommand) RequestID() int64 { return c.Request }
func (c RejectCommand) RequestID() int64  { return c.Request }
func (c CancelCommand) RequestID() int64  { return c.Request }

func (ApproveCommand) command() {}
func (RejectCommand) command()  {}
func (CancelCommand) command()  {}

// Button action prefixes used by chat front ends.
const (
	ActionApprove = "approve_request_"
	ActionReject  = "reject_request_"
)

// ParseAction turns a button identifier such as "approve_request_12" into a
// command for actorID. reason is used only by reject actions.
func ParseAction(customID string, actorID int64, reason string) (Command, error) {
	var prefix string
	switch {
	case strings.HasPrefix(customID, ActionApprove):
		prefix = ActionApprove
	case strings.HasPrefix(customID, ActionReject):
		prefix = ActionReject
	default:
		return nil, fmt.Errorf("%w: unknown action %q", errors.ErrInvalidInput, customID)
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(customID, prefix), 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: bad request id in action %q", errors.ErrInvalidInput, customID)
	}

	if prefix == ActionApprove {
		return ApproveCommand{Request: id, AdminID: actorID}, nil
	}
	return RejectCommand{Request: id, AdminID: actorID, Reason: reason}, nil
}

// Result is the outcome of Execute. Approval is set only for approvals.
type Result struct {
	Request  *db.Request
	Approval *ApprovalResult
}

// Execute dispatches a command to the matching operation.
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) (*Result, error) {
	switch c := cmd.(type) {
	case ApproveCommand:
		approval, err := o.Approve(ctx, c.Request, c.AdminID)
		if approval == nil {
			return nil, err
		}
		// An approval that was provisioned but not recorded comes with its error.
		return &Result{Request: approval.Request, Approval: approval}, err
	case RejectCommand:
		req, err := o.Reject(ctx, c.Request, c.AdminID, c.Reason)
		if err != nil {
			return nil, err
		}
		return &Result{Request: req}, nil
	case CancelCommand:
		req, err := o.Cancel(ctx, c.Request, c.RequesterID)
		if err != nil {
			return nil, err
		}
		return &Result{Request: req}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported command %T", errors.ErrInvalidInput, cmd)
	}
}
