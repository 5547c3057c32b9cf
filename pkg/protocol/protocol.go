package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dougsko/nexrigd/pkg/rf"
)

// Command represents a command sent to the control socket
type Command struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response represents a response from the control socket. Refusals carry
// the error kind and whether policy or hardware refused.
type Response struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Kind    string                 `json:"kind,omitempty"`
	Class   string                 `json:"class,omitempty"`
}

// ParseCommand parses a text command into a Command struct
func ParseCommand(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty command")
	}
	parts := strings.SplitN(text, ":", 2)

	cmd := &Command{
		Type: strings.ToUpper(parts[0]),
		Args: make(map[string]interface{}),
	}

	if len(parts) > 1 {
		args := strings.TrimSpace(parts[1])

		switch cmd.Type {
		case CmdFrequency:
			// FREQUENCY:14074000
			cmd.Args["frequency"] = args

		case CmdBand:
			// BAND:40m
			cmd.Args["band"] = args

		case CmdMode:
			// MODE:tx
			cmd.Args["mode"] = args

		case CmdAntenna:
			// ANTENNA:2
			cmd.Args["antenna"] = args

		case CmdPower:
			// POWER:25
			cmd.Args["watts"] = args

		case CmdEmergencyStop:
			// ESTOP:antenna fault
			cmd.Args["reason"] = args

		case CmdFaults:
			// FAULTS:20
			cmd.Args["limit"] = args

		case CmdLimits:
			// LIMITS:max_power_w=80,max_temp_c=75
			for _, pair := range strings.Split(args, ",") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
					return nil, fmt.Errorf("malformed limit %q, want key=value", pair)
				}
				cmd.Args[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}

		case CmdSnapshot:
			// SNAPSHOT:save:name, SNAPSHOT:restore:name, SNAPSHOT:delete:name, SNAPSHOT:list
			snapParts := strings.SplitN(args, ":", 2)
			cmd.Args["action"] = strings.ToLower(snapParts[0])
			if len(snapParts) > 1 {
				cmd.Args["name"] = snapParts[1]
			}
		}
	}

	return cmd, nil
}

// FormatResponse converts a Response to JSON string
func (r *Response) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// Err rebuilds the refusal carried by an unsuccessful response
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	e := &RemoteError{Message: r.Error, Class: r.Class}
	if k, ok := rf.ParseKind(r.Kind); ok {
		e.Kind = k
	}
	return e
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data map[string]interface{}) *Response {
	return &Response{
		Success: true,
		Data:    data,
	}
}

// NewOutcomeResponse reports a successful control call, "applied" or
// "unchanged"
func NewOutcomeResponse(outcome rf.Outcome, data map[string]interface{}) *Response {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["result"] = outcome.String()
	return NewSuccessResponse(data)
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewErrorResponseFrom creates an error response carrying the kind and
// class of a control refusal
func NewErrorResponseFrom(err error) *Response {
	resp := NewErrorResponse(err.Error())
	if kind, ok := rf.KindOf(err); ok {
		resp.Kind = kind.String()
		resp.Class = kind.Class().String()
	}
	return resp
}

// RemoteError is a refusal reported by the daemon. It matches the rf error
// sentinels with errors.Is.
type RemoteError struct {
	Kind    rf.Kind
	Class   string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches rf sentinels by kind
func (e *RemoteError) Is(target error) bool {
	return e.Kind != 0 && (&rf.Error{Kind: e.Kind}).Is(target)
}

// Protocol commands
const (
	CmdStatus        = "STATUS"
	CmdDiagnostics   = "DIAG"
	CmdFrequency     = "FREQUENCY"
	CmdBand          = "BAND"
	CmdMode          = "MODE"
	CmdAntenna       = "ANTENNA"
	CmdPower         = "POWER"
	CmdEmergencyStop = "ESTOP"
	CmdReset         = "RESET"
	CmdLimits        = "LIMITS"
	CmdFaults        = "FAULTS"
	CmdSnapshot      = "SNAPSHOT"
	CmdQuit          = "QUIT"
	CmdPing          = "PING"
)
