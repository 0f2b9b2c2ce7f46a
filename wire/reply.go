package wire

import (
	"encoding/json"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
)

// Reply status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorInfo carries the wire form of a rejected command.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reply is the synchronous answer to a client request.
type Reply struct {
	Status string         `json:"status"`
	ExpID  string         `json:"exp_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Error  *ErrorInfo     `json:"error,omitempty"`
}

// Success builds a success reply with optional action-specific fields.
func Success(expID string, fields map[string]any) Reply {
	return Reply{
		Status: StatusSuccess,
		ExpID:  expID,
		Fields: fields,
	}
}

// Failure builds an error reply from a coordinator error. The error kind
// comes from the taxonomy in the errors package.
func Failure(err error) Reply {
	return Reply{
		Status: StatusError,
		Error: &ErrorInfo{
			Kind:    errors.Kind(err),
			Message: err.Error(),
		},
	}
}

// IsSuccess reports whether the reply indicates success.
func (r Reply) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Encode marshals the reply for the wire.
func (r Reply) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// A reply is always marshalable; fields maps hold JSON values only.
		return []byte(`{"status":"error","error":{"kind":"Internal","message":"reply encoding failed"}}`)
	}
	return data
}

// DecodeReply parses a wire reply.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, errors.WrapInvalid(err, "wire", "DecodeReply", "decode reply")
	}
	return r, nil
}
