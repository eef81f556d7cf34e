package server

import (
	"fmt"
	"time"

	"github.com/HenokTZA/evcsms/billing"
	"github.com/HenokTZA/evcsms/internal"
	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/metrics/counters"
	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/ocpp/localauth"
	"github.com/HenokTZA/evcsms/ocpp/smartcharging"
	"github.com/HenokTZA/evcsms/types"
	"github.com/HenokTZA/evcsms/utility"
)

// SystemHandler implements the central system side of every action a charge
// point may call. Cross-connection state lives in the database; per-connection
// state lives in the Session passed to each handler.
type SystemHandler struct {
	database internal.Database
	logger   internal.LogHandler
	location *time.Location

	heartbeatInterval    int
	acceptUnknownTag     bool
	dataTransferVendorId string
	ratedCurrent         int

	eventListeners []internal.EventHandler
}

func NewSystemHandler(location *time.Location) *SystemHandler {
	return &SystemHandler{
		location:             location,
		heartbeatInterval:    30,
		acceptUnknownTag:     true,
		dataTransferVendorId: "generalConfiguration",
		ratedCurrent:         32,
	}
}

func (h *SystemHandler) SetDatabase(database internal.Database) {
	h.database = database
}

func (h *SystemHandler) SetLogger(logger internal.LogHandler) {
	h.logger = logger
}

func (h *SystemHandler) SetParameters(conf *config.Config) {
	h.heartbeatInterval = conf.Ocpp.HeartbeatInterval
	h.acceptUnknownTag = conf.Ocpp.AcceptUnknownTag
	h.dataTransferVendorId = conf.Ocpp.DataTransferVendorId
	h.ratedCurrent = conf.Ocpp.RatedCurrent
}

func (h *SystemHandler) AddEventListener(listener internal.EventHandler) {
	h.eventListeners = append(h.eventListeners, listener)
}

func (h *SystemHandler) OnStart() error {
	if h.database == nil {
		return nil
	}
	last, err := h.database.GetLastTransaction()
	if err != nil {
		return fmt.Errorf("failed to read last transaction: %s", err)
	}
	if last != nil {
		h.logger.Debug(fmt.Sprintf("last stored transaction id: %v", last.Id))
	}
	return nil
}

func (h *SystemHandler) now() time.Time {
	return time.Now().UTC()
}

func (h *SystemHandler) notifyStatus(event *internal.EventMessage) {
	for _, listener := range h.eventListeners {
		listener.OnStatusNotification(event)
	}
}

func (h *SystemHandler) notifyTransactionStart(event *internal.EventMessage) {
	for _, listener := range h.eventListeners {
		listener.OnTransactionStart(event)
	}
}

func (h *SystemHandler) notifyTransactionStop(event *internal.EventMessage) {
	for _, listener := range h.eventListeners {
		listener.OnTransactionStop(event)
	}
}

func (h *SystemHandler) OnBootNotification(s *Session, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	if h.database != nil {
		chargePoint, err := h.database.CreateOrBindChargePoint(s.ChargePointId(), s.Tenant().Id)
		if err != nil {
			return nil, err
		}
		chargePoint.Vendor = request.ChargePointVendor
		chargePoint.Model = request.ChargePointModel
		if request.ChargePointSerialNumber != "" {
			chargePoint.SerialNumber = request.ChargePointSerialNumber
		}
		if request.FirmwareVersion != "" {
			chargePoint.FirmwareVersion = request.FirmwareVersion
		}
		chargePoint.Updated = h.now()
		if err = h.database.UpdateChargePoint(chargePoint); err != nil {
			return nil, err
		}
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("%s/%s", request.ChargePointVendor, request.ChargePointModel))
	return core.NewBootNotificationResponse(types.NewDateTime(h.now()), h.heartbeatInterval, core.RegistrationStatusAccepted), nil
}

func (h *SystemHandler) OnHeartbeat(s *Session, request *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	return core.NewHeartbeatResponse(types.NewDateTime(h.now())), nil
}

func (h *SystemHandler) OnAuthorize(s *Session, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	status := types.AuthorizationStatusAccepted
	if !h.acceptUnknownTag {
		status = types.AuthorizationStatusInvalid
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("id tag %s: %s", request.IdTag, status))
	return core.NewAuthorizationResponse(types.NewIdTagInfo(status)), nil
}

func (h *SystemHandler) OnStatusNotification(s *Session, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	if h.database != nil {
		chargePoint, err := h.database.GetChargePoint(s.ChargePointId())
		if err != nil {
			return nil, err
		}
		if chargePoint != nil {
			chargePoint.ConnectorId = request.ConnectorId
			chargePoint.Status = string(request.Status)
			chargePoint.Info = request.Info
			chargePoint.Updated = h.now()
			if err = h.database.UpdateChargePoint(chargePoint); err != nil {
				return nil, err
			}
			if request.ErrorCode != "" && request.ErrorCode != core.NoError {
				counters.ObserveError(chargePoint.Location, chargePoint.Id, string(request.ErrorCode))
			}
		}
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("connector %v: %s", request.ConnectorId, request.Status))
	h.notifyStatus(&internal.EventMessage{
		ChargePointId: s.ChargePointId(),
		ConnectorId:   request.ConnectorId,
		Time:          h.now(),
		Status:        string(request.Status),
		Info:          request.Info,
	})
	return core.NewStatusNotificationResponse(), nil
}

func (h *SystemHandler) OnDataTransfer(s *Session, request *core.DataTransferRequest) (*core.DataTransferResponse, error) {
	status := core.DataTransferStatusRejected
	if request.VendorId == h.dataTransferVendorId {
		status = core.DataTransferStatusAccepted
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("vendor %s: %s", request.VendorId, status))
	return core.NewDataTransferResponse(status), nil
}

func (h *SystemHandler) OnStartTransaction(s *Session, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	transactionId := 1
	transaction := &models.Transaction{
		ChargePointId: s.ChargePointId(),
		IdTag:         request.IdTag,
		ConnectorId:   request.ConnectorId,
		TimeStart:     h.now(),
	}
	if request.Timestamp != nil {
		transaction.TimeStart = request.Timestamp.Time
	}
	startWh := float64(request.MeterStart)
	transaction.StartWh = &startWh

	if h.database != nil {
		id, err := h.database.NextTransactionId()
		if err != nil {
			return nil, err
		}
		transactionId = id
		transaction.Id = transactionId

		chargePoint, err := h.database.GetChargePoint(s.ChargePointId())
		if err != nil {
			return nil, err
		}
		if chargePoint != nil {
			transaction.PriceKwhAtStart = chargePoint.PricePerKwh
			transaction.PriceHourAtStart = chargePoint.PricePerHour
		}
		if err = h.database.AddTransaction(transaction); err != nil {
			return nil, err
		}
		if chargePoint != nil {
			counters.CountTransaction(chargePoint.Location, chargePoint.Id)
		}
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("transaction %v started on connector %v", transactionId, request.ConnectorId))
	h.notifyTransactionStart(&internal.EventMessage{
		ChargePointId: s.ChargePointId(),
		ConnectorId:   request.ConnectorId,
		Time:          transaction.TimeStart,
		IdTag:         request.IdTag,
		TransactionId: transactionId,
	})
	return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transactionId), nil
}

// energySample extracts the active-import energy register from a meter value
// set; the boolean reports whether any such sample was present.
func energySample(meterValues []types.MeterValue) (float64, bool) {
	found := false
	value := 0.0
	for _, meterValue := range meterValues {
		for _, sampled := range meterValue.SampledValue {
			if sampled.Measurand == types.MeasurandEnergyActiveImportRegister {
				value = utility.ToFloat(sampled.Value)
				found = true
			}
		}
	}
	return value, found
}

func (h *SystemHandler) OnMeterValues(s *Session, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	// a sample that references no or an unknown transaction is not an error
	if request.TransactionId == nil || h.database == nil {
		return core.NewMeterValuesResponse(), nil
	}
	transaction, err := h.database.GetTransaction(*request.TransactionId)
	if err != nil {
		return nil, err
	}
	if transaction == nil {
		return core.NewMeterValuesResponse(), nil
	}

	energy, found := energySample(request.MeterValue)
	if found {
		if transaction.StartWh == nil && energy > 0 {
			startWh := energy
			transaction.StartWh = &startWh
		}
		latestWh := energy
		transaction.LatestWh = &latestWh
		if err = h.database.UpdateTransaction(transaction); err != nil {
			return nil, err
		}
		h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("transaction %v: %v Wh", transaction.Id, energy))
	}
	return core.NewMeterValuesResponse(), nil
}

func (h *SystemHandler) OnStopTransaction(s *Session, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	response := core.NewStopTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted))
	if h.database == nil {
		return response, nil
	}
	transaction, err := h.database.GetTransaction(request.TransactionId)
	if err != nil {
		return nil, err
	}
	if transaction == nil {
		// retries and races on an already closed transaction are benign
		return response, nil
	}

	stoppedAt := h.now()
	if request.Timestamp != nil {
		stoppedAt = request.Timestamp.Time
	}
	transaction.TimeStop = &stoppedAt
	latestWh := float64(request.MeterStop)
	transaction.LatestWh = &latestWh
	transaction.Reason = string(request.Reason)
	if cost := billing.SessionCost(transaction, stoppedAt); cost != nil {
		totalCost, _ := cost.Float64()
		transaction.TotalCost = &totalCost
	}
	if err = h.database.UpdateTransaction(transaction); err != nil {
		return nil, err
	}

	consumed, _ := billing.ConsumedKwh(transaction).Float64()
	if chargePoint, _ := h.database.GetChargePoint(s.ChargePointId()); chargePoint != nil {
		counters.CountConsumedPower(chargePoint.Location, chargePoint.Id, consumed)
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("transaction %v stopped: %.3f kWh", transaction.Id, consumed))
	h.notifyTransactionStop(&internal.EventMessage{
		ChargePointId: s.ChargePointId(),
		ConnectorId:   transaction.ConnectorId,
		Time:          stoppedAt,
		IdTag:         transaction.IdTag,
		TransactionId: transaction.Id,
	})
	return response, nil
}

func (h *SystemHandler) OnGetConfiguration(s *Session, request *core.GetConfigurationRequest) (*core.GetConfigurationResponse, error) {
	known, unknown := s.Configuration(request.Key)
	return &core.GetConfigurationResponse{
		ConfigurationKey: known,
		UnknownKey:       unknown,
	}, nil
}

func (h *SystemHandler) OnChangeConfiguration(s *Session, request *core.ChangeConfigurationRequest) (*core.ChangeConfigurationResponse, error) {
	status := core.ConfigurationStatusRejected
	if s.SetConfiguration(request.Key, request.Value) {
		status = core.ConfigurationStatusAccepted
	}
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("%s=%s: %s", request.Key, request.Value, status))
	return core.NewChangeConfigurationResponse(status), nil
}

func (h *SystemHandler) OnGetLocalListVersion(s *Session, request *localauth.GetLocalListVersionRequest) (*localauth.GetLocalListVersionResponse, error) {
	return localauth.NewGetLocalListVersionResponse(s.LocalListVersion()), nil
}

func (h *SystemHandler) OnSetChargingProfile(s *Session, request *smartcharging.SetChargingProfileRequest) (*smartcharging.SetChargingProfileResponse, error) {
	if request.ChargingProfile == nil || request.ChargingProfile.ChargingProfileId == 0 {
		return &smartcharging.SetChargingProfileResponse{Status: smartcharging.ChargingProfileStatusRejected}, nil
	}
	s.PutChargingProfile(request.ChargingProfile)
	h.logger.FeatureEvent(request.GetFeatureName(), s.ChargePointId(), fmt.Sprintf("profile %v stored", request.ChargingProfile.ChargingProfileId))
	return &smartcharging.SetChargingProfileResponse{Status: smartcharging.ChargingProfileStatusAccepted}, nil
}

func (h *SystemHandler) OnClearChargingProfile(s *Session, request *smartcharging.ClearChargingProfileRequest) (*smartcharging.ClearChargingProfileResponse, error) {
	s.ClearChargingProfiles(request.Id)
	return &smartcharging.ClearChargingProfileResponse{Status: smartcharging.ClearChargingProfileStatusAccepted}, nil
}

func (h *SystemHandler) OnGetCompositeSchedule(s *Session, request *smartcharging.GetCompositeScheduleRequest) (*smartcharging.GetCompositeScheduleResponse, error) {
	if !s.HasChargingProfiles() {
		return &smartcharging.GetCompositeScheduleResponse{Status: smartcharging.GetCompositeScheduleStatusRejected}, nil
	}
	// single flat period at the rated current; real profile composition is
	// left to the charge point
	duration := request.Duration
	connectorId := request.ConnectorId
	schedule := &types.ChargingSchedule{
		Duration:         &duration,
		ChargingRateUnit: types.ChargingRateUnitAmperes,
		ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
			{StartPeriod: 0, Limit: float64(h.ratedCurrent)},
		},
	}
	return &smartcharging.GetCompositeScheduleResponse{
		Status:           smartcharging.GetCompositeScheduleStatusAccepted,
		ConnectorId:      &connectorId,
		ScheduleStart:    types.NewDateTime(h.now()),
		ChargingSchedule: schedule,
	}, nil
}
