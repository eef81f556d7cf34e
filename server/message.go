package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HenokTZA/evcsms/ocpp"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// actionRewrites corrects malformed action names produced by known device
// firmware. Applied to the raw frame before decoding; one-directional.
var actionRewrites = [][2]string{
	{"TransactionBegin", "Transaction.Begin"},
	{"TransactionEnd", "Transaction.End"},
}

// NormalizeInbound applies firmware-quirk fixes to a raw frame: literal action
// name rewrites, and for a StopTransaction call the outer timestamp is copied
// into transactionData entries that lack their own. A frame that fails to
// parse is returned untouched so the decoder reports the protocol error.
func NormalizeInbound(data []byte) []byte {
	text := string(data)
	for _, rewrite := range actionRewrites {
		text = strings.ReplaceAll(text, rewrite[0], rewrite[1])
	}
	data = []byte(text)

	var message []interface{}
	if err := json.Unmarshal(data, &message); err != nil {
		return data
	}
	if len(message) != 4 {
		return data
	}
	typeId, ok := message[0].(float64)
	if !ok || CallType(typeId) != CallTypeRequest {
		return data
	}
	action, ok := message[2].(string)
	if !ok || action != core.StopTransactionFeatureName {
		return data
	}
	payload, ok := message[3].(map[string]interface{})
	if !ok {
		return data
	}
	outerTimestamp, ok := payload["timestamp"]
	if !ok {
		return data
	}
	transactionData, ok := payload["transactionData"].([]interface{})
	if !ok {
		return data
	}
	for _, item := range transactionData {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok = entry["timestamp"]; !ok {
			entry["timestamp"] = outerTimestamp
		}
	}
	patched, err := json.Marshal(message)
	if err != nil {
		return data
	}
	return patched
}

func MessageType(data []interface{}) (CallType, error) {
	if len(data) < 3 {
		return 0, utility.Err("incompatible message structure")
	}
	rawTypeId, ok := data[0].(float64)
	if !ok {
		return 0, utility.Err("invalid message type id")
	}
	callType := CallType(rawTypeId)
	switch callType {
	case CallTypeRequest, CallTypeResult, CallTypeError:
		return callType, nil
	}
	return 0, utility.Err(fmt.Sprintf("unknown message type id: %v", rawTypeId))
}

// CallResult is an OCPP-J CallResult frame carrying a response payload.
type CallResult struct {
	TypeId   CallType
	UniqueId string
	Payload  ocpp.Response
}

func (callResult *CallResult) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 3)
	fields[0] = int(callResult.TypeId)
	fields[1] = callResult.UniqueId
	fields[2] = callResult.Payload
	return json.Marshal(fields)
}

func CreateCallResult(confirmation ocpp.Response, uniqueId string) *CallResult {
	return &CallResult{
		TypeId:   CallTypeResult,
		UniqueId: uniqueId,
		Payload:  confirmation,
	}
}

// CallError is an OCPP-J CallError frame sent when a request cannot be served.
type CallError struct {
	TypeId           CallType
	UniqueId         string
	ErrorCode        ocpp.ErrorCode
	ErrorDescription string
	ErrorDetails     interface{}
}

func (callError *CallError) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 5)
	fields[0] = int(callError.TypeId)
	fields[1] = callError.UniqueId
	fields[2] = string(callError.ErrorCode)
	fields[3] = callError.ErrorDescription
	if callError.ErrorDetails == nil {
		fields[4] = struct{}{}
	} else {
		fields[4] = callError.ErrorDetails
	}
	return json.Marshal(fields)
}

func CreateCallError(uniqueId string, code ocpp.ErrorCode, description string) *CallError {
	return &CallError{
		TypeId:           CallTypeError,
		UniqueId:         uniqueId,
		ErrorCode:        code,
		ErrorDescription: description,
	}
}

// Call is an outbound OCPP-J Call frame issued by the central system.
type Call struct {
	TypeId   CallType
	UniqueId string
	Action   string
	Payload  ocpp.Request
}

func (call *Call) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 4)
	fields[0] = int(call.TypeId)
	fields[1] = call.UniqueId
	fields[2] = call.Action
	fields[3] = call.Payload
	return json.Marshal(fields)
}

func CreateCall(request ocpp.Request) *Call {
	return &Call{
		TypeId:   CallTypeRequest,
		UniqueId: utility.NewUUID(),
		Action:   request.GetFeatureName(),
		Payload:  request,
	}
}

type CallRequest struct {
	TypeId   CallType
	UniqueId string
	feature  string
	Payload  ocpp.Request
}

func (callRequest *CallRequest) GetFeatureName() string {
	return callRequest.feature
}

// ParseRequest decodes the generic array form of an inbound Call. The payload
// is bound to the request type registered for the action; unknown actions
// surface as a NotImplemented fault for the dispatcher to report.
func ParseRequest(data []interface{}, routes *RouteTable) (*CallRequest, error) {
	if len(data) != 4 {
		return nil, utility.Err("unsupported request format; expected length: 4 elements")
	}
	rawTypeId, ok := data[0].(float64)
	if !ok {
		return nil, utility.Err("invalid message type in request")
	}
	typeId := CallType(rawTypeId)
	if typeId != CallTypeRequest {
		return nil, utility.Err(fmt.Sprintf("invalid request type id: %v", typeId))
	}
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in request")
	}
	action, ok := data[2].(string)
	if !ok {
		return nil, utility.Err("invalid action name in request")
	}

	route, ok := routes.Lookup(action)
	if !ok {
		return nil, &ocpp.Fault{
			UniqueId:    uniqueId,
			Code:        ocpp.ErrorNotImplemented,
			Description: fmt.Sprintf("unsupported action requested: %s", action),
		}
	}
	request, err := ocpp.ParseRawJsonRequest(data[3], route.RequestType)
	if err != nil {
		return nil, &ocpp.Fault{
			UniqueId:    uniqueId,
			Code:        ocpp.ErrorFormationViolation,
			Description: err.Error(),
		}
	}
	callRequest := CallRequest{
		TypeId:   typeId,
		UniqueId: uniqueId,
		feature:  action,
		Payload:  request,
	}
	return &callRequest, nil
}

type CallResultMessage struct {
	UniqueId string
	Payload  string
}

// ParseResultUnchecked extracts id and raw payload of a CallResult without
// binding the payload to a type; the correlation layer forwards it verbatim.
func ParseResultUnchecked(data []interface{}) (*CallResultMessage, error) {
	if len(data) != 3 {
		return nil, utility.Err("unsupported result format; expected length: 3 elements")
	}
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in result")
	}
	payload, err := json.Marshal(data[2])
	if err != nil {
		return nil, err
	}
	return &CallResultMessage{
		UniqueId: uniqueId,
		Payload:  string(payload),
	}, nil
}
