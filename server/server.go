package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/HenokTZA/evcsms/internal"
	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/metrics/counters"
	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/ocpp"
	"github.com/HenokTZA/evcsms/utility"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const wsEndpoint = "/api/v16/:key/:id"

type Server struct {
	conf           *config.Config
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	messageHandler func(ws *WebSocket, data []byte) error
	pollerFactory  func(ws *WebSocket)
	logger         internal.LogHandler
	database       internal.Database
	registry       *Registry
}

// WebSocket is one live charge point connection together with its session.
type WebSocket struct {
	conn    *websocket.Conn
	id      string
	session *Session
	mux     sync.Mutex
}

func (ws *WebSocket) ID() string {
	return ws.id
}

func (ws *WebSocket) Session() *Session {
	return ws.session
}

// write serializes frame writes; the reader loop and the command poller share
// the connection.
func (ws *WebSocket) write(data []byte) error {
	ws.mux.Lock()
	defer ws.mux.Unlock()
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(conf *config.Config, logger internal.LogHandler, database internal.Database) *Server {
	server := &Server{
		conf:     conf,
		logger:   logger,
		database: database,
		upgrader: websocket.Upgrader{Subprotocols: []string{}},
		registry: NewRegistry(),
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return server
}

func (s *Server) AddSupportedSubProtocol(proto string) {
	if utility.Contains(s.upgrader.Subprotocols, proto) {
		return
	}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
}

func (s *Server) SetMessageHandler(handler func(ws *WebSocket, data []byte) error) {
	s.messageHandler = handler
}

// SetPollerFactory installs the routine started for each admitted connection
// to drain the outbound command queue.
func (s *Server) SetPollerFactory(factory func(ws *WebSocket)) {
	s.pollerFactory = factory
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	accessKey := params.ByName("key")
	id := params.ByName("id")
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s", r.RemoteAddr))

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	clientSubProto := websocket.Subprotocols(r)
	requestedProto := ""
	for _, proto := range clientSubProto {
		if utility.Contains(s.upgrader.Subprotocols, proto) {
			requestedProto = proto
			break
		}
	}
	responseHeader := http.Header{}
	if requestedProto != "" {
		responseHeader.Add("Sec-WebSocket-Protocol", requestedProto)
	}

	conn, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("upgrade failed", err)
		return
	}

	// admission: the access key must select a known tenant before any
	// protocol exchange happens
	tenant, err := s.resolveTenant(accessKey)
	if err != nil {
		s.logger.Error("tenant lookup failed", err)
		s.closeWithPolicyViolation(conn, "tenant lookup failed")
		return
	}
	if tenant == nil || id == "" {
		s.logger.Warn(fmt.Sprintf("rejected connection for %s: unknown access key", id))
		s.closeWithPolicyViolation(conn, "unknown access key")
		return
	}

	// a row must exist before any protocol exchange, so status updates from
	// a device that never sends BootNotification are not lost
	if _, err = s.database.CreateOrBindChargePoint(id, tenant.Id); err != nil {
		s.logger.Error(fmt.Sprintf("charge point registration failed for %s", id), err)
		_ = conn.Close()
		return
	}

	s.logger.Debug(fmt.Sprintf("upgraded socket for %s and ready to receive data", id))
	ws := &WebSocket{
		conn:    conn,
		id:      id,
		session: NewSession(id, tenant, s.conf),
	}
	s.registry.Insert(id, ws)
	counters.ObserveConnections(s.registry.Count())

	if s.pollerFactory != nil {
		go s.pollerFactory(ws)
	}
	go s.messageReader(ws)
}

// resolveTenant matches the access key case-insensitively; device
// configuration tools are not consistent about key casing.
func (s *Server) resolveTenant(accessKey string) (*models.Tenant, error) {
	if s.database == nil {
		return nil, utility.Err("no tenant storage configured")
	}
	return s.database.GetTenantByKey(strings.ToLower(accessKey))
}

func (s *Server) closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Server) messageReader(ws *WebSocket) {
	conn := ws.conn
	timeout := time.Duration(s.conf.Ocpp.ConnectionTimeOut) * time.Second
	defer func() {
		ws.session.Close()
		s.registry.Remove(ws.id, ws)
		counters.ObserveConnections(s.registry.Count())
	}()
	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("id %s leaving session", ws.id))
			} else {
				s.logger.Debug(fmt.Sprintf("id %s is closing session %s", ws.id, err))
			}
			err = conn.Close()
			if err != nil {
				s.logger.Warn(fmt.Sprintf("error while closing socket %s %s", ws.id, err))
			}
			return
		}
		s.logger.RawDataEvent("IN", string(message))
		if s.messageHandler != nil {
			err = s.messageHandler(ws, message)
			if err != nil {
				// unrecoverable frame: no message id to answer with, so the
				// connection is dropped
				s.logger.Error(fmt.Sprintf("handling message from %s", ws.id), err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Server) Start() error {
	if s.conf == nil {
		return utility.Err("configuration not loaded")
	}
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.Debug(fmt.Sprintf("starting server on %s", serverAddress))
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}
	if s.conf.Listen.TLS {
		s.logger.Debug("starting https TLS server")
		err = s.httpServer.ServeTLS(listener, s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		s.logger.Debug("starting http server")
		err = s.httpServer.Serve(listener)
	}
	return err
}

func (s *Server) SendResponse(ws *WebSocket, response ocpp.Response, uniqueId string) error {
	callResult := CreateCallResult(response, uniqueId)
	data, err := callResult.MarshalJSON()
	if err != nil {
		s.logger.Error("error encoding response", err)
		return err
	}
	s.logger.RawDataEvent("OUT", string(data))
	if err = ws.write(data); err != nil {
		s.logger.Error("error sending response", err)
	}
	return err
}

func (s *Server) SendCallError(ws *WebSocket, callError *CallError) error {
	data, err := callError.MarshalJSON()
	if err != nil {
		return err
	}
	s.logger.RawDataEvent("OUT", string(data))
	return ws.write(data)
}

// SendCall writes a prepared outbound request frame. The caller builds the
// Call first so it can register for the reply before the frame hits the wire.
func (s *Server) SendCall(ws *WebSocket, call *Call) error {
	data, err := call.MarshalJSON()
	if err != nil {
		return err
	}
	s.logger.RawDataEvent("OUT", string(data))
	return ws.write(data)
}
