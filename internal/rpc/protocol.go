// protocol.go defines the wire protocol of the management socket.
//
// Each message is one JSON object followed by a newline. A connection carries any
// number of request/response pairs, answered in order.
//
//	-> {"id":1,"method":"managementGetCommandStatus","params":[3]}
//	<- {"id":1,"result":{"id":3,"finished":false,"metadata":null}}
//	<- {"id":2,"fault":{"faultCode":-3,"faultString":"Unknown command id."}}
package rpc

import (
	"encoding/json"
	"fmt"
)

// DefaultSocketPath is the Unix domain socket the daemon listens on.
const DefaultSocketPath = "/run/rmm-management/management.sock"

// Fault codes returned to callers.
const (
	FaultWrongParams    = -1
	FaultNotAllowed     = -2
	FaultUnknownCommand = -3
	FaultUnknownError   = -32500
	FaultMethodNotFound = -32601
)

// ListMethodsMethod is answered by every server with the sorted method names.
const ListMethodsMethod = "system.listMethods"

const (
	unknownErrorMessage  = "Unknown application error."
	wrongParamCountError = "Wrong parameter count."
)

// Request is sent by a client.
type Request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request. Either Result or Fault is set.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Fault  *Fault          `json:"fault,omitempty"`
}

// Fault is an RPC-level error with a numeric code.
type Fault struct {
	Code    int    `json:"faultCode"`
	Message string `json:"faultString"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// NewFault creates a fault with a formatted message.
func NewFault(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrongParamCount is the fault returned when a method receives the wrong number of params.
func WrongParamCount() *Fault {
	return &Fault{Code: FaultWrongParams, Message: wrongParamCountError}
}
