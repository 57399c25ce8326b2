package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound frame types. Outbound types are owned by the orchestration
// package (orchestration.EventStart and friends) because the stages emit
// them; this side of the wire only ever parses what clients send.
const (
	FrameChat               = "chat"
	FrameUserResponse       = "user_response"
	FramePermissionResponse = "permission_response"
	FrameFeedback           = "feedback"
)

// Frame is one inbound wire message: {"type": ..., "content": ...}.
// Content stays raw until the type-specific accessor decodes it.
type Frame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// OutboundFrame is the wire shape of one outbound event. Content marshals
// the payload structs from the orchestration package, or a plain string for
// chunk frames.
type OutboundFrame struct {
	Type    string      `json:"type"`
	Content interface{} `json:"content,omitempty"`
}

// UserResponseContent is the content of a user_response frame. Content may
// be a bare string or a field mapping; Answer flattens either into the
// string the suspended step receives.
type UserResponseContent struct {
	QuestionID string          `json:"questionId"`
	Content    json.RawMessage `json:"content"`
}

// Answer renders the response content as a string. Bare JSON strings are
// unquoted; mappings and anything else pass through as compact JSON.
func (c UserResponseContent) Answer() string {
	if len(c.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err == nil {
		return s
	}
	return string(c.Content)
}

// PermissionResponseContent is the content of a permission_response frame.
// Response carries the user's optional free-text reason.
type PermissionResponseContent struct {
	RequestID string `json:"requestId"`
	Granted   bool   `json:"granted"`
	Response  string `json:"response,omitempty"`
}

// ParseFrame decodes one inbound wire message and checks that it names a
// known frame type. Unknown types are an error here so the transport can
// drop them with a single WARN.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case FrameChat, FrameUserResponse, FramePermissionResponse, FrameFeedback:
		return f, nil
	case "":
		return Frame{}, fmt.Errorf("frame has no type")
	}
	return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
}

// Text extracts the plain-string content of chat and feedback frames.
func (f Frame) Text() (string, error) {
	var s string
	if err := json.Unmarshal(f.Content, &s); err != nil {
		return "", fmt.Errorf("%s content must be a string: %w", f.Type, err)
	}
	return strings.TrimSpace(s), nil
}

// UserResponse decodes the content of a user_response frame.
func (f Frame) UserResponse() (UserResponseContent, error) {
	var c UserResponseContent
	if err := json.Unmarshal(f.Content, &c); err != nil {
		return UserResponseContent{}, fmt.Errorf("malformed user_response content: %w", err)
	}
	if c.QuestionID == "" {
		return UserResponseContent{}, fmt.Errorf("user_response is missing questionId")
	}
	return c, nil
}

// PermissionResponse decodes the content of a permission_response frame.
func (f Frame) PermissionResponse() (PermissionResponseContent, error) {
	var c PermissionResponseContent
	if err := json.Unmarshal(f.Content, &c); err != nil {
		return PermissionResponseContent{}, fmt.Errorf("malformed permission_response content: %w", err)
	}
	if c.RequestID == "" {
		return PermissionResponseContent{}, fmt.Errorf("permission_response is missing requestId")
	}
	return c, nil
}
