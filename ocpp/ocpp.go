package ocpp

import (
	"encoding/json"
	"reflect"
)

// Request message
type Request interface {
	// GetFeatureName Returns the unique name of the feature, to which this request belongs to.
	GetFeatureName() string
}

// Response message
type Response interface {
	// GetFeatureName Returns the unique name of the feature, to which this request belongs to.
	GetFeatureName() string
}

// ErrorCode is an OCPP-J CallError code.
type ErrorCode string

const (
	ErrorNotImplemented     ErrorCode = "NotImplemented"
	ErrorNotSupported       ErrorCode = "NotSupported"
	ErrorInternal           ErrorCode = "InternalError"
	ErrorProtocol           ErrorCode = "ProtocolError"
	ErrorSecurity           ErrorCode = "SecurityError"
	ErrorFormationViolation ErrorCode = "FormationViolation"
	ErrorGeneric            ErrorCode = "GenericError"
)

// Fault is a typed handler or framing failure destined to become a CallError
// on the wire instead of tearing down the connection.
type Fault struct {
	UniqueId    string
	Code        ErrorCode
	Description string
}

func (f *Fault) Error() string {
	return string(f.Code) + ": " + f.Description
}

func ParseRawJsonRequest(raw interface{}, requestType reflect.Type) (Request, error) {
	if raw == nil {
		raw = &struct{}{}
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	request := reflect.New(requestType).Interface()
	err = json.Unmarshal(bytes, &request)
	if err != nil {
		return nil, err
	}
	result := request.(Request)
	return result, nil
}
