package lifecycle

import (
	"bytes"
	"encoding/json"

	platformerrors "github.com/jmgilman/go/errors"
)

// ParseMessage extracts the control message from a request body.
// The body is either the plain message, a JSON string, or an object with a `type` field.
func ParseMessage(body []byte) (string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", platformerrors.New(platformerrors.CodeInvalidInput, "empty message")
	}
	switch body[0] {
	case '"':
		var msg string
		if err := json.Unmarshal(body, &msg); err != nil {
			return "", platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "malformed message")
		}
		return msg, nil
	case '{':
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			return "", platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "malformed message")
		}
		if msg.Type == "" {
			return "", platformerrors.New(platformerrors.CodeInvalidInput, "message without type")
		}
		return msg.Type, nil
	}
	return string(body), nil
}
