package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/ocpp"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/ocpp/localauth"
	"github.com/HenokTZA/evcsms/ocpp/remotetrigger"
	"github.com/HenokTZA/evcsms/ocpp/smartcharging"
	"github.com/HenokTZA/evcsms/types"
	"github.com/HenokTZA/evcsms/utility"
)

// startCommandPoller drains the operator command queue for one connection.
// One command is in flight at a time: the poller waits for the CallResult (or
// the reply timeout) before dequeuing the next, so a device never sees a
// second command before answering the first. The poller stops when the
// session ends.
func (cs *CentralSystem) startCommandPoller(ws *WebSocket) {
	if cs.database == nil {
		return
	}
	session := ws.Session()
	interval := time.Duration(cs.conf.Ocpp.CommandPollInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
		}

		command, err := cs.database.NextCommand(ws.ID())
		if err != nil {
			cs.logger.Error(fmt.Sprintf("dequeue command for %s", ws.ID()), err)
			continue
		}
		if command == nil {
			continue
		}
		cs.sendCommand(ws, command)
	}
}

func (cs *CentralSystem) sendCommand(ws *WebSocket, command *models.Command) {
	request, err := translateCommand(command)
	if err != nil {
		cs.logger.Error(fmt.Sprintf("command %s for %s", command.FeatureName, ws.ID()), err)
		return
	}

	// register before writing: a fast device may answer before the write
	// returns, and an unregistered reply would be dropped
	call := CreateCall(request)
	response := cs.registerPending(call.UniqueId)
	defer cs.releasePending(call.UniqueId)

	if err = cs.server.SendCall(ws, call); err != nil {
		cs.logger.Error(fmt.Sprintf("sending %s to %s", command.FeatureName, ws.ID()), err)
		return
	}

	timeout := time.Duration(cs.conf.Ocpp.CommandReplyTimeout) * time.Second
	select {
	case payload := <-response:
		cs.logger.FeatureEvent(command.FeatureName, ws.ID(), fmt.Sprintf("command answered: %s", payload))
		cs.applyCommandReply(ws.Session(), command, payload)
	case <-ws.Session().Done():
	case <-time.After(timeout):
		cs.logger.Warn(fmt.Sprintf("timeout waiting for %s reply from %s", command.FeatureName, ws.ID()))
	}
}

// applyCommandReply folds a device's answer back into session state where an
// action carries state the central system tracks.
func (cs *CentralSystem) applyCommandReply(session *Session, command *models.Command, payload string) {
	switch command.FeatureName {
	case localauth.SendLocalListFeatureName:
		var response localauth.SendLocalListResponse
		if err := json.Unmarshal([]byte(payload), &response); err != nil {
			return
		}
		if response.Status == localauth.UpdateStatusAccepted {
			session.SetLocalListVersion(utility.ToInt(command.Payload["list_version"]))
		}
	}
}

// translateCommand maps a queued command's snake_case parameters onto the
// typed request for its action.
func translateCommand(command *models.Command) (ocpp.Request, error) {
	params := command.Payload
	switch command.FeatureName {

	case core.RemoteStartTransactionFeatureName:
		idTag := params["id_tag"]
		if idTag == "" {
			return nil, utility.Err("id_tag is required")
		}
		request := core.NewRemoteStartTransactionRequest(idTag)
		if connectorId := utility.ToInt(params["connector_id"]); connectorId > 0 {
			request.ConnectorId = &connectorId
		}
		return request, nil

	case core.RemoteStopTransactionFeatureName:
		transactionId := utility.ToInt(params["transaction_id"])
		if transactionId == 0 {
			return nil, utility.Err("transaction_id is required")
		}
		return core.NewRemoteStopTransactionRequest(transactionId), nil

	case core.ResetFeatureName:
		resetType := core.ResetTypeSoft
		if strings.EqualFold(params["type"], string(core.ResetTypeHard)) {
			resetType = core.ResetTypeHard
		}
		return core.NewResetRequest(resetType), nil

	case core.GetConfigurationFeatureName:
		var keys []string
		if raw := params["keys"]; raw != "" {
			keys = strings.Split(raw, ",")
		}
		return core.NewGetConfigurationRequest(keys), nil

	case core.ChangeConfigurationFeatureName:
		if params["key"] == "" {
			return nil, utility.Err("key is required")
		}
		return core.NewChangeConfigurationRequest(params["key"], params["value"]), nil

	case remotetrigger.TriggerMessageFeatureName:
		requested := params["requested_message"]
		if requested == "" {
			return nil, utility.Err("requested_message is required")
		}
		connectorId := utility.ToInt(params["connector_id"])
		return remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTrigger(requested), connectorId), nil

	case localauth.SendLocalListFeatureName:
		updateType := localauth.UpdateTypeFull
		if strings.EqualFold(params["update_type"], string(localauth.UpdateTypeDifferential)) {
			updateType = localauth.UpdateTypeDifferential
		}
		version := utility.ToInt(params["list_version"])
		return localauth.NewSendLocalListRequest(version, updateType), nil

	case smartcharging.SetChargingProfileFeatureName:
		raw := params["profile"]
		if raw == "" {
			return nil, utility.Err("profile is required")
		}
		var profile types.ChargingProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			return nil, fmt.Errorf("invalid charging profile: %s", err)
		}
		connectorId := utility.ToInt(params["connector_id"])
		return smartcharging.NewSetChargingProfileRequest(connectorId, &profile), nil

	case smartcharging.ClearChargingProfileFeatureName:
		request := smartcharging.NewClearChargingProfileRequest()
		if raw := params["id"]; raw != "" {
			id := utility.ToInt(raw)
			request.Id = &id
		}
		return request, nil

	case smartcharging.GetCompositeScheduleFeatureName:
		connectorId := utility.ToInt(params["connector_id"])
		duration := utility.ToInt(params["duration"])
		return smartcharging.NewGetCompositeScheduleRequest(connectorId, duration), nil
	}
	return nil, fmt.Errorf("feature not supported: %s", command.FeatureName)
}
