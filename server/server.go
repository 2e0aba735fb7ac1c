package server

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/ocpp"
	"github.com/ocpp-balanz/balanz/utility"
)

const (
	wsEndpoint  = "/:id"
	apiClientId = "api"
)

// ErrPortBind marks a failure to bind the listen port; main exits with a
// dedicated code for it.
var ErrPortBind = utility.Err("port bind failure")

type Server struct {
	conf           *config.Config
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	messageHandler func(ws *WebSocket, data []byte) error
	apiHandler     func(ws *WebSocket)
	authHandler    func(chargerId string, r *http.Request) error
	connectHandler func(chargerId string, connected bool)
	logger         internal.LogHandler

	mux     sync.RWMutex
	clients map[string]*WebSocket
}

type WebSocket struct {
	conn     *websocket.Conn
	id       string
	uniqueId string
	remote   string

	writeMux sync.Mutex
	closed   bool
}

var _ ocpp.WebSocket = (*WebSocket)(nil)

func (ws *WebSocket) ID() string {
	return ws.id
}

func (ws *WebSocket) UniqueId() string {
	return ws.uniqueId
}

func (ws *WebSocket) SetUniqueId(uniqueId string) {
	ws.uniqueId = uniqueId
}

func (ws *WebSocket) IsClosed() bool {
	return ws.closed
}

func (ws *WebSocket) write(data []byte) error {
	ws.writeMux.Lock()
	defer ws.writeMux.Unlock()
	if ws.closed {
		return utility.Err("websocket closed")
	}
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(conf *config.Config, logger internal.LogHandler) *Server {
	server := Server{
		conf:     conf,
		logger:   logger,
		upgrader: websocket.Upgrader{Subprotocols: []string{}},
		clients:  make(map[string]*WebSocket),
	}
	router := httprouter.New()
	server.Register(router)
	server.httpServer = &http.Server{
		Handler: router,
	}
	return &server
}

func (s *Server) AddSupportedSubProtocol(proto string) {
	for _, sub := range s.upgrader.Subprotocols {
		if sub == proto {
			return
		}
	}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
}

func (s *Server) SetMessageHandler(handler func(ws *WebSocket, data []byte) error) {
	s.messageHandler = handler
}

// SetApiHandler installs the handler taking over connections to /api.
func (s *Server) SetApiHandler(handler func(ws *WebSocket)) {
	s.apiHandler = handler
}

// SetAuthHandler installs the charger authentication check, run before the
// connection is accepted.
func (s *Server) SetAuthHandler(handler func(chargerId string, r *http.Request) error) {
	s.authHandler = handler
}

// SetConnectionHandler installs the connect/disconnect notification hook.
func (s *Server) SetConnectionHandler(handler func(chargerId string, connected bool)) {
	s.connectHandler = handler
}

func (s *Server) Register(router *httprouter.Router) {
	router.GET(wsEndpoint, s.handleWsRequest)
}

// ConnectedClients returns the ids of currently connected chargers.
func (s *Server) ConnectedClients() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// DropClient closes the connection of a charger, used by the watchdog.
func (s *Server) DropClient(chargerId string) {
	s.mux.Lock()
	ws, ok := s.clients[chargerId]
	s.mux.Unlock()
	if ok {
		_ = ws.conn.Close()
	}
}

// restoreAuthHeader implements the development-only hack allowing browser
// clients to smuggle Basic credentials through the subprotocol list as hex.
// Gated behind http_auth_via_protocol; never enable it in production.
func restoreAuthHeader(r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		return
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, "ocpp") {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSpace(proto))
		if err != nil {
			continue
		}
		r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString(raw))
		return
	}
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	s.logger.Debug(fmt.Sprintf("connection initiated from remote %s for %s", r.RemoteAddr, id))

	if s.conf.Listen.HTTPAuthViaProtocol {
		restoreAuthHeader(r)
	}

	if id != apiClientId && s.authHandler != nil {
		if err := s.authHandler(id, r); err != nil {
			s.logger.Warn(fmt.Sprintf("rejected connection from %s for %s: %s", r.RemoteAddr, id, err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	clientSubProto := websocket.Subprotocols(r)
	requestedProto := ""
	for _, proto := range clientSubProto {
		if len(s.upgrader.Subprotocols) == 0 {
			requestedProto = proto
			break
		}
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
		s.logger.Error("upgrade failed: ", err)
		return
	}

	ws := &WebSocket{
		conn:   conn,
		id:     id,
		remote: r.RemoteAddr,
	}

	if id == apiClientId {
		if s.apiHandler == nil {
			_ = conn.Close()
			return
		}
		go s.apiHandler(ws)
		return
	}

	s.logger.Debug(fmt.Sprintf("upgraded socket for %s and ready to receive data", id))
	s.mux.Lock()
	if previous, ok := s.clients[id]; ok {
		// A reconnect replaces the old socket.
		_ = previous.conn.Close()
	}
	s.clients[id] = ws
	s.mux.Unlock()
	if s.connectHandler != nil {
		s.connectHandler(id, true)
	}
	observeConnections(len(s.ConnectedClients()))

	go s.messageReader(ws)
}

func (s *Server) messageReader(ws *WebSocket) {
	conn := ws.conn
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, 3001) {
				s.logger.Debug(fmt.Sprintf("id %s leaving session", ws.id))
			} else {
				s.logger.Debug(fmt.Sprintf("id %s is closing session %s", ws.id, err))
			}
			ws.closed = true
			_ = conn.Close()
			s.mux.Lock()
			if s.clients[ws.id] == ws {
				delete(s.clients, ws.id)
			}
			s.mux.Unlock()
			if s.connectHandler != nil {
				s.connectHandler(ws.id, false)
			}
			observeConnections(len(s.ConnectedClients()))
			return
		}
		s.logger.RawDataEvent("IN", string(message))
		if s.messageHandler != nil {
			err = s.messageHandler(ws, message)
			if err != nil {
				s.logger.Error(fmt.Sprintf("handling message from %s", ws.id), err)
				// A malformed frame closes the connection; the charger is
				// expected to reconnect.
				_ = conn.Close()
				continue
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
		return fmt.Errorf("%w: %s", ErrPortBind, err)
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

func (s *Server) SendResponse(ws *WebSocket, response ocpp.Response) error {
	callResult := CreateCallResult(response, ws.UniqueId())
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

func (s *Server) SendError(ws *WebSocket, errorCode, description string) error {
	callError := &CallError{
		UniqueId:         ws.UniqueId(),
		ErrorCode:        errorCode,
		ErrorDescription: description,
	}
	data, err := callError.MarshalJSON()
	if err != nil {
		return err
	}
	s.logger.RawDataEvent("OUT", string(data))
	return ws.write(data)
}

// SendRequest sends a Call to the charger and returns the generated message
// id the response will carry.
func (s *Server) SendRequest(clientId string, request ocpp.Request) (string, error) {
	s.mux.RLock()
	ws, ok := s.clients[clientId]
	s.mux.RUnlock()
	if !ok {
		return "", utility.Err(fmt.Sprintf("charger %s not connected", clientId))
	}
	call := &Call{
		UniqueId: utility.NewUUID(),
		Payload:  request,
	}
	data, err := call.MarshalJSON()
	if err != nil {
		return "", err
	}
	s.logger.RawDataEvent("OUT", string(data))
	if err = ws.write(data); err != nil {
		return "", err
	}
	return call.UniqueId, nil
}
