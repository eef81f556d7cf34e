package server

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/HenokTZA/evcsms/internal"
	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/ocpp"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/ocpp/localauth"
	"github.com/HenokTZA/evcsms/ocpp/smartcharging"
	"github.com/HenokTZA/evcsms/telegram"
	"github.com/HenokTZA/evcsms/types"
	"github.com/HenokTZA/evcsms/utility"
)

// HandlerFunc serves one decoded inbound Call for a session.
type HandlerFunc func(session *Session, request ocpp.Request) (ocpp.Response, error)

// Route binds an action name to its payload type and handler. The table is
// assembled once at startup; dispatch never reflects on handler names.
type Route struct {
	RequestType reflect.Type
	Handle      HandlerFunc
}

type RouteTable struct {
	routes map[string]Route
}

func (t *RouteTable) Lookup(action string) (Route, bool) {
	route, ok := t.routes[action]
	return route, ok
}

func (t *RouteTable) Actions() []string {
	actions := make([]string, 0, len(t.routes))
	for action := range t.routes {
		actions = append(actions, action)
	}
	return actions
}

func buildRoutes(handler *SystemHandler) *RouteTable {
	table := &RouteTable{routes: make(map[string]Route)}
	add := func(action string, requestType reflect.Type, handle HandlerFunc) {
		table.routes[action] = Route{RequestType: requestType, Handle: handle}
	}
	add(core.BootNotificationFeatureName, reflect.TypeOf(core.BootNotificationRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnBootNotification(s, r.(*core.BootNotificationRequest))
		})
	add(core.HeartbeatFeatureName, reflect.TypeOf(core.HeartbeatRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnHeartbeat(s, r.(*core.HeartbeatRequest))
		})
	add(core.AuthorizeFeatureName, reflect.TypeOf(core.AuthorizeRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnAuthorize(s, r.(*core.AuthorizeRequest))
		})
	add(core.StatusNotificationFeatureName, reflect.TypeOf(core.StatusNotificationRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnStatusNotification(s, r.(*core.StatusNotificationRequest))
		})
	add(core.DataTransferFeatureName, reflect.TypeOf(core.DataTransferRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnDataTransfer(s, r.(*core.DataTransferRequest))
		})
	add(core.StartTransactionFeatureName, reflect.TypeOf(core.StartTransactionRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnStartTransaction(s, r.(*core.StartTransactionRequest))
		})
	add(core.MeterValuesFeatureName, reflect.TypeOf(core.MeterValuesRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnMeterValues(s, r.(*core.MeterValuesRequest))
		})
	add(core.StopTransactionFeatureName, reflect.TypeOf(core.StopTransactionRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnStopTransaction(s, r.(*core.StopTransactionRequest))
		})
	add(core.GetConfigurationFeatureName, reflect.TypeOf(core.GetConfigurationRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnGetConfiguration(s, r.(*core.GetConfigurationRequest))
		})
	add(core.ChangeConfigurationFeatureName, reflect.TypeOf(core.ChangeConfigurationRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnChangeConfiguration(s, r.(*core.ChangeConfigurationRequest))
		})
	add(localauth.GetLocalListVersionFeatureName, reflect.TypeOf(localauth.GetLocalListVersionRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnGetLocalListVersion(s, r.(*localauth.GetLocalListVersionRequest))
		})
	add(smartcharging.SetChargingProfileFeatureName, reflect.TypeOf(smartcharging.SetChargingProfileRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnSetChargingProfile(s, r.(*smartcharging.SetChargingProfileRequest))
		})
	add(smartcharging.ClearChargingProfileFeatureName, reflect.TypeOf(smartcharging.ClearChargingProfileRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnClearChargingProfile(s, r.(*smartcharging.ClearChargingProfileRequest))
		})
	add(smartcharging.GetCompositeScheduleFeatureName, reflect.TypeOf(smartcharging.GetCompositeScheduleRequest{}),
		func(s *Session, r ocpp.Request) (ocpp.Response, error) {
			return handler.OnGetCompositeSchedule(s, r.(*smartcharging.GetCompositeScheduleRequest))
		})
	return table
}

type CentralSystem struct {
	conf     *config.Config
	server   *Server
	api      *Api
	logger   internal.LogHandler
	database internal.Database
	handler  *SystemHandler
	routes   *RouteTable
	location *time.Location

	mux             sync.Mutex
	pendingRequests map[string]chan string
}

func (cs *CentralSystem) handleIncomingMessage(ws *WebSocket, data []byte) error {
	chargePointId := ws.ID()
	data = NormalizeInbound(data)

	message, err := utility.ParseJson(data)
	if err != nil {
		return err
	}
	callType, err := MessageType(message)
	if err != nil {
		return err
	}
	if callType == CallTypeError {
		cs.logger.Warn(fmt.Sprintf("error message received from charge point %s: %s", chargePointId, string(data)))
		return nil
	}
	if callType == CallTypeResult {
		result, err := ParseResultUnchecked(message)
		if err != nil {
			cs.logger.Warn(fmt.Sprintf("invalid result received from charge point %s: %s", chargePointId, string(data)))
			return nil
		}
		cs.deliverResult(result)
		return nil
	}

	callRequest, err := ParseRequest(message, cs.routes)
	if err != nil {
		var fault *ocpp.Fault
		if errors.As(err, &fault) {
			return cs.server.SendCallError(ws, CreateCallError(fault.UniqueId, fault.Code, fault.Description))
		}
		return err
	}

	route, _ := cs.routes.Lookup(callRequest.GetFeatureName())
	response, err := route.Handle(ws.Session(), callRequest.Payload)
	if err != nil {
		var fault *ocpp.Fault
		if errors.As(err, &fault) {
			return cs.server.SendCallError(ws, CreateCallError(callRequest.UniqueId, fault.Code, fault.Description))
		}
		cs.logger.Error(fmt.Sprintf("%s from %s", callRequest.GetFeatureName(), chargePointId), err)
		return cs.server.SendCallError(ws, CreateCallError(callRequest.UniqueId, ocpp.ErrorInternal, err.Error()))
	}
	return cs.server.SendResponse(ws, response, callRequest.UniqueId)
}

func (cs *CentralSystem) deliverResult(result *CallResultMessage) {
	cs.mux.Lock()
	responseChan, ok := cs.pendingRequests[result.UniqueId]
	cs.mux.Unlock()
	if ok {
		responseChan <- result.Payload
	}
}

func (cs *CentralSystem) registerPending(uniqueId string) chan string {
	response := make(chan string, 1)
	cs.mux.Lock()
	cs.pendingRequests[uniqueId] = response
	cs.mux.Unlock()
	return response
}

func (cs *CentralSystem) releasePending(uniqueId string) {
	cs.mux.Lock()
	delete(cs.pendingRequests, uniqueId)
	cs.mux.Unlock()
}

func (cs *CentralSystem) Start() {
	go func() {
		if err := cs.server.Start(); err != nil {
			cs.logger.Error("websocket server failed", err)
		}
	}()

	if cs.api != nil {
		go func() {
			if err := cs.api.Start(); err != nil {
				cs.logger.Error("api server failed", err)
			}
		}()
	}

	select {}
}

func NewCentralSystem(conf *config.Config) (*CentralSystem, error) {
	cs := &CentralSystem{
		conf:            conf,
		pendingRequests: make(map[string]chan string),
	}

	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}
	cs.location = location

	var database internal.Database
	if conf.Mongo.Enabled {
		database, err = internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}

	cs.database = database

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	cs.logger = logService

	systemHandler := NewSystemHandler(location)
	systemHandler.SetDatabase(database)
	systemHandler.SetLogger(logService)
	systemHandler.SetParameters(conf)

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey, conf.Telegram.ChatId)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		systemHandler.AddEventListener(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	cs.handler = systemHandler
	cs.routes = buildRoutes(systemHandler)

	wsServer := NewServer(conf, logService, database)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	wsServer.SetPollerFactory(cs.startCommandPoller)
	cs.server = wsServer

	if err = systemHandler.OnStart(); err != nil {
		return nil, err
	}

	if conf.Api.Enabled {
		apiServer := NewServerApi(conf, logService, database)
		cs.api = apiServer
	}

	return cs, nil
}
