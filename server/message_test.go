package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/HenokTZA/evcsms/ocpp"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/types"
	"github.com/HenokTZA/evcsms/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoutes() *RouteTable {
	handler := NewSystemHandler(nil)
	return buildRoutes(handler)
}

func TestNormalizeInboundRewritesActionNames(t *testing.T) {
	raw := []byte(`[2,"42","TriggerMessage",{"requestedMessage":"TransactionBegin"}]`)
	fixed := NormalizeInbound(raw)
	assert.Contains(t, string(fixed), "Transaction.Begin")
	assert.NotContains(t, string(fixed), "TransactionBegin")
}

func TestNormalizeInboundBackfillsTransactionData(t *testing.T) {
	raw := []byte(`[2,"7","StopTransaction",{"transactionId":3,"meterStop":2000,"timestamp":"2024-05-01T10:00:00Z","transactionData":[{"sampledValue":[{"value":"1500"}]}]}]`)
	fixed := NormalizeInbound(raw)

	var message []interface{}
	require.NoError(t, json.Unmarshal(fixed, &message))
	payload := message[3].(map[string]interface{})
	entries := payload["transactionData"].([]interface{})
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "2024-05-01T10:00:00Z", entry["timestamp"])
}

func TestNormalizeInboundKeepsExistingTimestamps(t *testing.T) {
	raw := []byte(`[2,"7","StopTransaction",{"timestamp":"2024-05-01T10:00:00Z","transactionData":[{"timestamp":"2024-05-01T09:59:00Z","sampledValue":[]}]}]`)
	fixed := NormalizeInbound(raw)

	var message []interface{}
	require.NoError(t, json.Unmarshal(fixed, &message))
	payload := message[3].(map[string]interface{})
	entry := payload["transactionData"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "2024-05-01T09:59:00Z", entry["timestamp"])
}

func TestNormalizeInboundPassesInvalidJsonThrough(t *testing.T) {
	raw := []byte(`{not json`)
	assert.Equal(t, raw, NormalizeInbound(raw))
}

func TestCallRoundTrip(t *testing.T) {
	request := core.NewChangeConfigurationRequest("HeartbeatInterval", "60")
	call := CreateCall(request)
	data, err := call.MarshalJSON()
	require.NoError(t, err)

	message, err := utility.ParseJson(data)
	require.NoError(t, err)

	callType, err := MessageType(message)
	require.NoError(t, err)
	assert.Equal(t, CallTypeRequest, callType)

	parsed, err := ParseRequest(message, testRoutes())
	require.NoError(t, err)
	assert.Equal(t, call.UniqueId, parsed.UniqueId)
	assert.Equal(t, core.ChangeConfigurationFeatureName, parsed.GetFeatureName())

	decoded := parsed.Payload.(*core.ChangeConfigurationRequest)
	assert.Equal(t, "HeartbeatInterval", decoded.Key)
	assert.Equal(t, "60", decoded.Value)
}

func TestParseRequestUnknownAction(t *testing.T) {
	message, err := utility.ParseJson([]byte(`[2,"9","MakeCoffee",{}]`))
	require.NoError(t, err)

	_, err = ParseRequest(message, testRoutes())
	var fault *ocpp.Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, ocpp.ErrorNotImplemented, fault.Code)
	assert.Equal(t, "9", fault.UniqueId)
}

func TestParseRequestRejectsWrongShape(t *testing.T) {
	message, err := utility.ParseJson([]byte(`[2,"9","Heartbeat"]`))
	require.NoError(t, err)
	_, err = ParseRequest(message, testRoutes())
	assert.Error(t, err)
}

func TestCallResultShape(t *testing.T) {
	response := core.NewBootNotificationResponse(types.NewDateTime(testTime()), 30, core.RegistrationStatusAccepted)
	callResult := CreateCallResult(response, "abc")
	data, err := callResult.MarshalJSON()
	require.NoError(t, err)

	var fields []interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Len(t, fields, 3)
	assert.Equal(t, float64(CallTypeResult), fields[0])
	assert.Equal(t, "abc", fields[1])
	payload := fields[2].(map[string]interface{})
	assert.Equal(t, "Accepted", payload["status"])
	assert.Equal(t, float64(30), payload["interval"])
}

func TestCallErrorShape(t *testing.T) {
	callError := CreateCallError("abc", ocpp.ErrorNotImplemented, "nope")
	data, err := callError.MarshalJSON()
	require.NoError(t, err)

	var fields []interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Len(t, fields, 5)
	assert.Equal(t, float64(CallTypeError), fields[0])
	assert.Equal(t, "abc", fields[1])
	assert.Equal(t, "NotImplemented", fields[2])
	assert.Equal(t, "nope", fields[3])
}

func TestParseResultUnchecked(t *testing.T) {
	message, err := utility.ParseJson([]byte(`[3,"55",{"status":"Accepted"}]`))
	require.NoError(t, err)

	result, err := ParseResultUnchecked(message)
	require.NoError(t, err)
	assert.Equal(t, "55", result.UniqueId)
	assert.JSONEq(t, `{"status":"Accepted"}`, result.Payload)
}
