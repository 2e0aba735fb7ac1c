package server

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocpp-balanz/balanz/balanz"
	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/metrics"
	"github.com/ocpp-balanz/balanz/models"
	"github.com/ocpp-balanz/balanz/notifier"
	"github.com/ocpp-balanz/balanz/ocpp"
	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/ocpp/firmware"
	"github.com/ocpp-balanz/balanz/pusher"
	"github.com/ocpp-balanz/balanz/telegram"
	"github.com/ocpp-balanz/balanz/types"
	"github.com/ocpp-balanz/balanz/utility"
)

// CentralSystem ties the transport, the state machine, the allocator and the
// admin API together.
type CentralSystem struct {
	conf            *config.Config
	server          *Server
	api             *Api
	logger          internal.LogHandler
	registry        *models.Registry
	coreHandler     core.SystemHandler
	firmwareHandler firmware.SystemHandler
	balanzLoop      *balanz.Loop
	watchdog        *Watchdog
	sessionWriter   *models.SessionCSVWriter

	pendingMux      sync.Mutex
	pendingRequests map[string]chan string
}

func (cs *CentralSystem) handleIncomingMessage(ws *WebSocket, data []byte) error {
	chargerId := ws.ID()
	cs.registry.TouchCharger(chargerId)
	message, err := utility.ParseJson(data)
	if err != nil {
		return err
	}
	callType, err := MessageType(message)
	if err != nil {
		return err
	}
	if callType == CallTypeError {
		cs.logger.Warn(fmt.Sprintf("error message received from charge point %s: %s", chargerId, string(data)))
		return nil
	}
	if callType == CallTypeResult {
		result, err := ParseResultUnchecked(message)
		if err != nil {
			cs.logger.Warn(fmt.Sprintf("invalid message received from charge point %s: %s", chargerId, string(data)))
			return nil
		}
		cs.pendingMux.Lock()
		responseChan, ok := cs.pendingRequests[result.UniqueId]
		cs.pendingMux.Unlock()
		if ok {
			responseChan <- result.Payload
		}
		return nil
	}
	callRequest, err := ParseRequest(message)
	if err != nil {
		return err
	}
	ws.SetUniqueId(callRequest.UniqueId)

	request := callRequest.Payload
	action := request.GetFeatureName()
	var confirmation ocpp.Response
	switch action {
	case core.BootNotificationFeatureName:
		confirmation, err = cs.coreHandler.OnBootNotification(chargerId, request.(*core.BootNotificationRequest))
	case core.AuthorizeFeatureName:
		confirmation, err = cs.coreHandler.OnAuthorize(chargerId, request.(*core.AuthorizeRequest))
	case core.HeartbeatFeatureName:
		confirmation, err = cs.coreHandler.OnHeartbeat(chargerId, request.(*core.HeartbeatRequest))
	case core.StartTransactionFeatureName:
		confirmation, err = cs.coreHandler.OnStartTransaction(chargerId, request.(*core.StartTransactionRequest))
	case core.StopTransactionFeatureName:
		confirmation, err = cs.coreHandler.OnStopTransaction(chargerId, request.(*core.StopTransactionRequest))
	case core.MeterValuesFeatureName:
		confirmation, err = cs.coreHandler.OnMeterValues(chargerId, request.(*core.MeterValuesRequest))
	case core.StatusNotificationFeatureName:
		confirmation, err = cs.coreHandler.OnStatusNotification(chargerId, request.(*core.StatusNotificationRequest))
	case core.DataTransferFeatureName:
		confirmation, err = cs.coreHandler.OnDataTransfer(chargerId, request.(*core.DataTransferRequest))
	case firmware.DiagnosticsStatusNotificationFeatureName:
		confirmation, err = cs.firmwareHandler.OnDiagnosticsStatusNotification(chargerId, request.(*firmware.DiagnosticsStatusNotificationRequest))
	case firmware.StatusNotificationFeatureName:
		confirmation, err = cs.firmwareHandler.OnFirmwareStatusNotification(chargerId, request.(*firmware.StatusNotificationRequest))
	default:
		err = fmt.Errorf("feature not supported: %s", action)
	}
	if err != nil {
		return err
	}

	if ws.IsClosed() {
		cs.logger.FeatureEvent(action, chargerId, "websocket closed, response not sent")
		return nil
	}
	return cs.server.SendResponse(ws, confirmation)
}

// SendCall sends a request to a charger and waits for the raw result
// payload, up to ping_timeout.
func (cs *CentralSystem) SendCall(chargerId string, request ocpp.Request) (string, error) {
	id, err := cs.server.SendRequest(chargerId, request)
	if err != nil {
		return "", err
	}
	response := make(chan string, 1)
	cs.pendingMux.Lock()
	cs.pendingRequests[id] = response
	cs.pendingMux.Unlock()
	defer func() {
		cs.pendingMux.Lock()
		delete(cs.pendingRequests, id)
		cs.pendingMux.Unlock()
	}()

	select {
	case payload := <-response:
		return payload, nil
	case <-time.After(time.Duration(cs.conf.Listen.PingTimeout) * time.Second):
		return "", utility.Err(fmt.Sprintf("timeout waiting for %s response from %s", request.GetFeatureName(), chargerId))
	}
}

// Start runs the server until it fails. The error distinguishes a port bind
// failure so main can exit with the dedicated code.
func (cs *CentralSystem) Start() error {
	if cs.conf.Metrics.Enabled {
		go func() {
			if err := metrics.Listen(cs.conf); err != nil {
				cs.logger.Error("metrics server failed", err)
			}
		}()
	}

	cs.watchdog.Start()
	if cs.balanzLoop != nil {
		cs.balanzLoop.Start()
	} else {
		cs.logger.Debug("smart charging disabled in configuration")
	}

	return cs.server.Start()
}

// Stop shuts the loops down and flushes persistent state.
func (cs *CentralSystem) Stop() {
	if cs.balanzLoop != nil {
		cs.balanzLoop.Stop()
	}
	cs.watchdog.Stop()
	if err := models.WriteChargersCSV(cs.conf.Model.ChargersCSV, cs.registry.Chargers()); err != nil {
		cs.logger.Error("writing chargers csv on shutdown", err)
	}
	if cs.sessionWriter != nil {
		_ = cs.sessionWriter.Close()
	}
}

// IsPortBindError tells main to use the bind failure exit code.
func IsPortBindError(err error) bool {
	return errors.Is(err, ErrPortBind)
}

func NewCentralSystem(conf *config.Config) (*CentralSystem, error) {
	cs := &CentralSystem{
		conf:            conf,
		pendingRequests: make(map[string]chan string),
	}

	if conf.ExtServer.Server != "" {
		return nil, fmt.Errorf("ext_server (LC/proxy mode) is not supported by this build")
	}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}

	var database internal.Database
	if conf.Mongo.Enabled {
		mongo, err := internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		database = mongo
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}

	var messageService internal.MessageService
	if conf.Pusher.Enabled {
		messageService, err = pusher.NewPusher(conf)
		if err != nil {
			return nil, fmt.Errorf("pusher setup failed: %s", err)
		}
		log.Println("pusher service is configured and enabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)
	logService.SetMessageService(messageService)
	cs.logger = logService

	// Model registry, loaded from the CSV stores.
	registry := models.NewRegistry(conf)
	if err := loadModel(registry, conf); err != nil {
		return nil, err
	}
	cs.registry = registry

	if conf.History.SessionCSV != "" {
		writer, err := models.NewSessionCSVWriter(conf.History.SessionCSV)
		if err != nil {
			return nil, fmt.Errorf("session history setup failed: %s", err)
		}
		cs.sessionWriter = writer
		registry.SetSessionWriter(&sessionTee{csv: writer, database: database})
		log.Println("appending completed sessions to " + conf.History.SessionCSV)
	}

	// System events handler (the state machine).
	systemHandler := NewSystemHandler(conf, registry, logService)
	systemHandler.SetCallSender(cs)

	events := &eventFanout{}
	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetDatabase(database)
		telegramBot.Start()
		events.Add(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}
	if conf.Nats.Enabled {
		natsNotifier, err := notifier.NewNats(conf)
		if err != nil {
			return nil, fmt.Errorf("nats setup failed: %s", err)
		}
		events.Add(natsNotifier)
		log.Println("nats notifier is configured and enabled")
	}
	if !events.Empty() {
		systemHandler.SetEventHandler(events)
	}

	// WebSocket listener for chargers and the admin API.
	wsServer := NewServer(conf, logService)
	wsServer.AddSupportedSubProtocol(types.SubProtocol16)
	wsServer.SetMessageHandler(cs.handleIncomingMessage)
	wsServer.SetAuthHandler(systemHandler.CheckChargerAuth)
	wsServer.SetConnectionHandler(systemHandler.OnChargerConnection)
	cs.server = wsServer

	cs.coreHandler = systemHandler
	cs.firmwareHandler = systemHandler

	// Smart charging loop, unless disabled.
	if conf.Balanz.RunInterval > 0 {
		cs.balanzLoop = balanz.NewLoop(conf, registry, systemHandler, logService)
	}

	cs.watchdog = NewWatchdog(conf, registry, wsServer, cs.balanzLoop, logService)

	// Admin API sharing the websocket endpoint.
	apiServer, err := NewApi(conf, registry, systemHandler, cs.balanzLoop, logService)
	if err != nil {
		return nil, err
	}
	cs.api = apiServer
	wsServer.SetApiHandler(apiServer.HandleConnection)

	return cs, nil
}

// sessionTee writes closed sessions to the CSV history and, when enabled, to
// the database.
type sessionTee struct {
	csv      *models.SessionCSVWriter
	database internal.Database
}

func (t *sessionTee) Append(session *models.Session) error {
	if t.database != nil {
		_ = t.database.WriteSession(session)
	}
	return t.csv.Append(session)
}

func loadModel(registry *models.Registry, conf *config.Config) error {
	groups, err := models.ReadGroupsCSV(conf.Model.GroupsCSV)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}
	if err := registry.ReplaceGroups(groups); err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}
	chargers, err := models.ReadChargersCSV(conf.Model.ChargersCSV)
	if err != nil {
		return fmt.Errorf("loading chargers: %w", err)
	}
	if err := registry.ReplaceChargers(chargers); err != nil {
		return fmt.Errorf("loading chargers: %w", err)
	}
	tags, err := models.ReadTagsCSV(conf.Model.TagsCSV)
	if err != nil {
		return fmt.Errorf("loading tags: %w", err)
	}
	registry.ReplaceTags(tags)
	users, err := models.ReadUsersCSV(conf.Api.UsersCSV)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	registry.ReplaceUsers(users)
	if conf.Model.FirmwareCSV != "" {
		firmwareRecords, err := models.ReadFirmwareCSV(conf.Model.FirmwareCSV)
		if err != nil {
			log.Printf("firmware catalogue not loaded: %v", err)
		} else {
			registry.ReplaceFirmware(firmwareRecords)
		}
	}
	return nil
}
