package link

import (
	"encoding/json"

	"github.com/nerrad567/devmesh-core/internal/node"
)

// Wire protocol methods. The first eight are the device verbs; the next
// four manage registrations and connections between peers. RESPONSE
// completes any of the others, matched by reqid.
const (
	MethodGet        = "GET"
	MethodSet        = "SET"
	MethodInvoke     = "INVOKE"
	MethodSubscribe  = "SUBSCRIBE"
	MethodDescribe   = "DESCRIBE"
	MethodConfig     = "CONFIG"
	MethodPut        = "PUT"
	MethodNotify     = "NOTIFY"
	MethodRegister   = "REGISTER"
	MethodDeregister = "DEREGISTER"
	MethodConnect    = "CONNECT"
	MethodDisconnect = "DISCONNECT"
	MethodResponse   = "RESPONSE"
)

// downstreamVerbs maps wire methods to the application-originated request
// verbs a connid-addressed frame may carry.
var downstreamVerbs = map[string]node.Method{
	MethodGet:       node.MethodGet,
	MethodSet:       node.MethodSet,
	MethodInvoke:    node.MethodInvoke,
	MethodSubscribe: node.MethodSubscribe,
	MethodDescribe:  node.MethodDescribe,
	MethodConfig:    node.MethodConfig,
}

var knownMethods = map[string]struct{}{
	MethodGet: {}, MethodSet: {}, MethodInvoke: {}, MethodSubscribe: {},
	MethodDescribe: {}, MethodConfig: {}, MethodPut: {}, MethodNotify: {},
	MethodRegister: {}, MethodDeregister: {}, MethodConnect: {},
	MethodDisconnect: {}, MethodResponse: {},
}

// ValidMethod reports whether m is one of the protocol's method values.
func ValidMethod(m string) bool {
	_, ok := knownMethods[m]
	return ok
}

// Frame is one wire message. Every frame carries method and reqid; the
// remaining fields are verb-dependent. reqid may be an integer or a string
// and is kept as raw JSON so a RESPONSE echoes exactly what the request
// carried.
type Frame struct {
	Method     string          `json:"method"`
	ReqID      json.RawMessage `json:"reqid,omitempty"`
	DeviceID   string          `json:"deviceid,omitempty"`
	ConnID     string          `json:"connid,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Value      any             `json:"value,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Res        any             `json:"res,omitempty"`
	Err        string          `json:"err,omitempty"`
}

// notifyParams extracts the argument list of a NOTIFY frame. The list may
// arrive in params or, from older peers, in value; a non-list value is
// wrapped in a one-element list.
func notifyParams(f *Frame) []any {
	if f.Params != nil {
		return f.Params
	}
	if f.Value == nil {
		return nil
	}
	if list, ok := f.Value.([]any); ok {
		return list
	}
	return []any{f.Value}
}
