package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/HenokTZA/evcsms/internal"
	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/utility"
	"github.com/julienschmidt/httprouter"
)

const commandEndpoint = "/api/command"

// Api accepts operator commands and writes them into the outbound queue; the
// per-connection poller delivers them. The operator tier never talks to a
// live socket directly.
type Api struct {
	conf       *config.Config
	httpServer *http.Server
	logger     internal.LogHandler
	database   internal.Database
}

type CommandRequest struct {
	ChargePointId string            `json:"charge_point_id"`
	FeatureName   string            `json:"feature_name"`
	Payload       map[string]string `json:"payload,omitempty"`
}

func NewServerApi(conf *config.Config, logger internal.LogHandler, database internal.Database) *Api {
	api := &Api{
		conf:     conf,
		logger:   logger,
		database: database,
	}
	router := httprouter.New()
	router.POST(commandEndpoint, api.handleCommand)
	api.httpServer = &http.Server{
		Handler: router,
	}
	return api
}

func (a *Api) handleCommand(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var request CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if request.ChargePointId == "" || request.FeatureName == "" {
		http.Error(w, "charge_point_id and feature_name are required", http.StatusBadRequest)
		return
	}
	if a.database == nil {
		http.Error(w, "storage is not configured", http.StatusServiceUnavailable)
		return
	}

	command := &models.Command{
		Id:            utility.NewUUID(),
		ChargePointId: request.ChargePointId,
		FeatureName:   request.FeatureName,
		Payload:       request.Payload,
		Created:       time.Now().UTC(),
	}
	if _, err := translateCommand(command); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.database.AddCommand(command); err != nil {
		a.logger.Error("enqueue command", err)
		http.Error(w, "failed to enqueue command", http.StatusInternalServerError)
		return
	}
	a.logger.FeatureEvent(request.FeatureName, request.ChargePointId, "command queued")

	w.Header().Add("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"command_id": command.Id})
}

func (a *Api) Start() error {
	address := fmt.Sprintf("%s:%s", a.conf.Api.BindIP, a.conf.Api.Port)
	a.logger.Debug(fmt.Sprintf("starting api server on %s", address))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return a.httpServer.Serve(listener)
}
