package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/panelbroker/gamebroker/pkg/errors"
)

// PostCreateUpdateAndStart asks the panel to update and start the instance once deployed.
const PostCreateUpdateAndStart = 4

// DeployParams is the payload of ADSModule/DeployTemplate.
type DeployParams struct {
	TemplateID   int
	Owner        string
	Tag          string
	FriendlyName string
}

// DeployAck is the panel's acknowledgement that a deployment task started.
type DeployAck struct {
	TaskID string
	Status string
}

// HTTPFallback issues raw calls whose responses are not wrapped in an
// ActionResult and must be interpreted field by field.
type HTTPFallback struct {
	rpc     *rpc
	session *Session
}

// DeployTemplate starts a deployment. The call is accepted when the panel
// answers with a success flag, a Running status or a task ID; anything else,
// including a body that is not JSON, is an error.
func (h *HTTPFallback) DeployTemplate(ctx context.Context, p DeployParams) (*DeployAck, error) {
	var ack *DeployAck
	err := h.session.Do(ctx, func(token string) error {
		data, err := h.rpc.post(ctx, "ADSModule/DeployTemplate", token, map[string]any{
			"TemplateID":             p.TemplateID,
			"NewUsername":            p.Owner,
			"NewPassword":            "",
			"NewEmail":               "",
			"RequiredTags":           []string{},
			"Tag":                    p.Tag,
			"FriendlyName":           p.FriendlyName,
			"Secret":                 "",
			"PostCreate":             PostCreateUpdateAndStart,
			"ExtraProvisionSettings": map[string]string{},
		})
		if err != nil {
			return err
		}

		parsed, err := parseDeployAck(data)
		if err != nil {
			return err
		}
		ack = parsed
		return nil
	})
	return ack, err
}

func parseDeployAck(data []byte) (*DeployAck, error) {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errors.Wrap(err, "ADSModule/DeployTemplate: response is not a JSON object")
	}

	ack := &DeployAck{
		TaskID: stringField(body, "Id"),
		Status: stringField(body, "Status"),
	}
	success, _ := lookupField(body, "success").(bool)

	if success || strings.EqualFold(ack.Status, "Running") || ack.TaskID != "" {
		return ack, nil
	}

	reason := stringField(body, "Reason")
	if reason == "" {
		reason = stringField(body, "Message")
	}
	return nil, &RemoteError{Endpoint: "ADSModule/DeployTemplate", Reason: reason}
}

// lookupField finds key case-insensitively, as the panel is inconsistent about casing.
func lookupField(body map[string]any, key string) any {
	if v, ok := body[key]; ok {
		return v
	}
	for k, v := range body {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func stringField(body map[string]any, key string) string {
	switch v := lookupField(body, key).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case bool:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
