package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/panelbroker/gamebroker/pkg/errors"
)

// ActionResult is the panel's generic envelope for mutating calls.
type ActionResult struct {
	Status bool            `json:"Status"`
	Reason string          `json:"Reason"`
	Result json.RawMessage `json:"Result"`
}

// UserInfo is the subset of a panel user record the broker reads.
type UserInfo struct {
	ID       string `json:"ID"`
	Username string `json:"Username"`
	Disabled bool   `json:"Disabled"`
}

// DeploymentHost is an ADS target that instances can be deployed to.
type DeploymentHost struct {
	InstanceID   string `json:"InstanceId"`
	FriendlyName string `json:"FriendlyName"`
}

// Bridge is the structured RPC transport. Every call decodes into a typed
// response and runs under the shared session.
type Bridge struct {
	rpc     *rpc
	session *Session
}

func (b *Bridge) invoke(ctx context.Context, endpoint string, params map[string]any, out any) error {
	return b.session.Do(ctx, func(token string) error {
		data, err := b.rpc.post(ctx, endpoint, token, cloneParams(params))
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, endpoint+": failed to decode response")
		}
		return nil
	})
}

// GetUserInfo returns the panel user named handle, or nil if there is none.
func (b *Bridge) GetUserInfo(ctx context.Context, handle string) (*UserInfo, error) {
	var raw json.RawMessage
	if err := b.invoke(ctx, "Core/GetUserInfo", map[string]any{"UID": handle}, &raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var info UserInfo
	if err := json.Unmarshal(trimmed, &info); err != nil {
		return nil, errors.Wrap(err, "Core/GetUserInfo: unexpected response")
	}
	if info.ID == "" && info.Username == "" {
		return nil, nil
	}
	return &info, nil
}

// CreateUser creates a panel user. A null response is treated as success,
// matching panels that apply the write without returning an envelope.
func (b *Bridge) CreateUser(ctx context.Context, handle string) (string, error) {
	var raw json.RawMessage
	if err := b.invoke(ctx, "Core/CreateUser", map[string]any{"Username": handle}, &raw); err != nil {
		return "", err
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}

	var result ActionResult
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return "", errors.Wrap(err, "Core/CreateUser: unexpected response")
	}
	if !result.Status {
		return "", &RemoteError{Endpoint: "Core/CreateUser", Reason: result.Reason}
	}

	var userID string
	if len(result.Result) > 0 {
		if err := json.Unmarshal(result.Result, &userID); err != nil {
			userID = strings.Trim(string(result.Result), `"`)
		}
	}
	return userID, nil
}

// ResetUserPassword sets the password of an existing panel user.
func (b *Bridge) ResetUserPassword(ctx context.Context, handle, password string) error {
	var result ActionResult
	err := b.invoke(ctx, "Core/ResetUserPassword", map[string]any{
		"Username":    handle,
		"NewPassword": password,
	}, &result)
	if err != nil {
		return err
	}
	if !result.Status {
		return &RemoteError{Endpoint: "Core/ResetUserPassword", Reason: result.Reason}
	}
	return nil
}

// ListDeploymentHosts returns the ADS targets known to the panel. Both the
// bare list and the {"Instances": [...]} forms are accepted.
func (b *Bridge) ListDeploymentHosts(ctx context.Context) ([]DeploymentHost, error) {
	var raw json.RawMessage
	if err := b.invoke(ctx, "ADSModule/GetInstances", nil, &raw); err != nil {
		return nil, err
	}

	var hosts []DeploymentHost
	if err := json.Unmarshal(raw, &hosts); err == nil {
		return hosts, nil
	}

	var wrapped struct {
		Instances []DeploymentHost `json:"Instances"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, errors.Wrap(err, "ADSModule/GetInstances: unexpected response")
	}
	return wrapped.Instances, nil
}

// RemoteError is a refusal reported by the panel inside a well-formed response.
type RemoteError struct {
	Endpoint string
	Reason   string
}

func (e *RemoteError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("%s refused: %s", e.Endpoint, reason)
}

var existsMarkers = []string{"already exists", "duplicate", "conflict", "exists"}

// isAlreadyExists reports whether err says the account is already on the panel.
func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range existsMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}
