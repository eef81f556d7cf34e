package server

import (
	"sync"
	"testing"
	"time"

	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/ocpp/localauth"
	"github.com/HenokTZA/evcsms/ocpp/remotetrigger"
	"github.com/HenokTZA/evcsms/ocpp/smartcharging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedCommand(feature string, payload map[string]string) *models.Command {
	return &models.Command{
		Id:            "cmd-1",
		ChargePointId: "CP001",
		FeatureName:   feature,
		Payload:       payload,
		Created:       time.Now(),
	}
}

func TestTranslateRemoteStartTransaction(t *testing.T) {
	request, err := translateCommand(queuedCommand(core.RemoteStartTransactionFeatureName, map[string]string{
		"id_tag":       "TAG42",
		"connector_id": "2",
	}))
	require.NoError(t, err)

	remoteStart := request.(*core.RemoteStartTransactionRequest)
	assert.Equal(t, "TAG42", remoteStart.IdTag)
	require.NotNil(t, remoteStart.ConnectorId)
	assert.Equal(t, 2, *remoteStart.ConnectorId)
}

func TestTranslateRemoteStartRequiresIdTag(t *testing.T) {
	_, err := translateCommand(queuedCommand(core.RemoteStartTransactionFeatureName, nil))
	assert.Error(t, err)
}

func TestTranslateRemoteStopTransaction(t *testing.T) {
	request, err := translateCommand(queuedCommand(core.RemoteStopTransactionFeatureName, map[string]string{
		"transaction_id": "17",
	}))
	require.NoError(t, err)
	assert.Equal(t, 17, request.(*core.RemoteStopTransactionRequest).TransactionId)
}

func TestTranslateResetDefaultsToSoft(t *testing.T) {
	request, err := translateCommand(queuedCommand(core.ResetFeatureName, nil))
	require.NoError(t, err)
	assert.Equal(t, core.ResetTypeSoft, request.(*core.ResetRequest).Type)

	request, err = translateCommand(queuedCommand(core.ResetFeatureName, map[string]string{"type": "hard"}))
	require.NoError(t, err)
	assert.Equal(t, core.ResetTypeHard, request.(*core.ResetRequest).Type)
}

func TestTranslateGetConfigurationKeys(t *testing.T) {
	request, err := translateCommand(queuedCommand(core.GetConfigurationFeatureName, map[string]string{
		"keys": "HeartbeatInterval,ConnectionTimeOut",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"HeartbeatInterval", "ConnectionTimeOut"}, request.(*core.GetConfigurationRequest).Key)
}

func TestTranslateTriggerMessage(t *testing.T) {
	request, err := translateCommand(queuedCommand(remotetrigger.TriggerMessageFeatureName, map[string]string{
		"requested_message": "StatusNotification",
		"connector_id":      "1",
	}))
	require.NoError(t, err)

	trigger := request.(*remotetrigger.TriggerMessageRequest)
	assert.Equal(t, remotetrigger.MessageTrigger("StatusNotification"), trigger.RequestedMessage)
	require.NotNil(t, trigger.ConnectorId)
	assert.Equal(t, 1, *trigger.ConnectorId)
}

func TestTranslateSendLocalList(t *testing.T) {
	request, err := translateCommand(queuedCommand(localauth.SendLocalListFeatureName, map[string]string{
		"list_version": "3",
	}))
	require.NoError(t, err)

	sendList := request.(*localauth.SendLocalListRequest)
	assert.Equal(t, 3, sendList.ListVersion)
	assert.Equal(t, localauth.UpdateTypeFull, sendList.UpdateType)
}

func TestTranslateSetChargingProfile(t *testing.T) {
	request, err := translateCommand(queuedCommand(smartcharging.SetChargingProfileFeatureName, map[string]string{
		"connector_id": "1",
		"profile":      `{"chargingProfileId":5,"stackLevel":0,"chargingProfilePurpose":"TxDefaultProfile","chargingProfileKind":"Absolute","chargingSchedule":{"chargingRateUnit":"A","chargingSchedulePeriod":[{"startPeriod":0,"limit":16}]}}`,
	}))
	require.NoError(t, err)

	setProfile := request.(*smartcharging.SetChargingProfileRequest)
	assert.Equal(t, 1, setProfile.ConnectorId)
	require.NotNil(t, setProfile.ChargingProfile)
	assert.Equal(t, 5, setProfile.ChargingProfile.ChargingProfileId)
}

func TestTranslateUnknownFeature(t *testing.T) {
	_, err := translateCommand(queuedCommand("MakeCoffee", nil))
	assert.Error(t, err)
}

// Two pollers racing on one queued row: exactly one wins the dequeue.
func TestNextCommandExactlyOnce(t *testing.T) {
	database := newFakeDatabase()
	require.NoError(t, database.AddCommand(queuedCommand(core.ResetFeatureName, nil)))

	const callers = 2
	results := make([]*models.Command, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			command, err := database.NextCommand("CP001")
			assert.NoError(t, err)
			results[n] = command
		}(i)
	}
	close(start)
	wg.Wait()

	delivered := 0
	for _, command := range results {
		if command != nil {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)

	// and the row never comes back
	command, err := database.NextCommand("CP001")
	require.NoError(t, err)
	assert.Nil(t, command)
}

// A device may answer before the sender starts waiting; the reply channel is
// registered before the frame goes out and buffers one result.
func TestCommandReplyBeforeAwaitIsKept(t *testing.T) {
	cs := &CentralSystem{pendingRequests: make(map[string]chan string)}

	response := cs.registerPending("msg-7")
	cs.deliverResult(&CallResultMessage{UniqueId: "msg-7", Payload: `{"status":"Accepted"}`})

	select {
	case payload := <-response:
		assert.Equal(t, `{"status":"Accepted"}`, payload)
	default:
		t.Fatal("early reply was lost")
	}
	cs.releasePending("msg-7")
}

func TestSendLocalListAcceptedBumpsVersion(t *testing.T) {
	cs := &CentralSystem{}
	session := testSession("CP001")
	require.Equal(t, 1, session.LocalListVersion())

	command := queuedCommand(localauth.SendLocalListFeatureName, map[string]string{"list_version": "4"})

	cs.applyCommandReply(session, command, `{"status":"VersionMismatch"}`)
	assert.Equal(t, 1, session.LocalListVersion())

	cs.applyCommandReply(session, command, `{"status":"Accepted"}`)
	assert.Equal(t, 4, session.LocalListVersion())
}

func TestNextCommandOldestFirst(t *testing.T) {
	database := newFakeDatabase()
	first := queuedCommand(core.ResetFeatureName, nil)
	first.Id = "cmd-first"
	second := queuedCommand(core.GetConfigurationFeatureName, nil)
	second.Id = "cmd-second"
	require.NoError(t, database.AddCommand(first))
	require.NoError(t, database.AddCommand(second))

	command, err := database.NextCommand("CP001")
	require.NoError(t, err)
	require.NotNil(t, command)
	assert.Equal(t, "cmd-first", command.Id)
}
