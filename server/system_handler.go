package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/models"
	"github.com/ocpp-balanz/balanz/ocpp"
	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/ocpp/firmware"
	"github.com/ocpp-balanz/balanz/ocpp/remotetrigger"
	"github.com/ocpp-balanz/balanz/ocpp/smartcharging"
	"github.com/ocpp-balanz/balanz/types"
	"github.com/ocpp-balanz/balanz/utility"
)

// CallSender dispatches an outbound call to a charger and blocks for the raw
// result payload or a timeout.
type CallSender interface {
	SendCall(chargerId string, request ocpp.Request) (string, error)
}

// SystemHandler is the charger state machine. It translates inbound OCPP
// messages into registry mutations and allocator decisions into outbound
// profile calls.
type SystemHandler struct {
	conf         *config.Config
	registry     *models.Registry
	logger       internal.LogHandler
	eventHandler internal.EventHandler
	callSender   CallSender
}

func NewSystemHandler(conf *config.Config, registry *models.Registry, logger internal.LogHandler) *SystemHandler {
	return &SystemHandler{
		conf:     conf,
		registry: registry,
		logger:   logger,
	}
}

func (h *SystemHandler) SetEventHandler(eventHandler internal.EventHandler) {
	h.eventHandler = eventHandler
}

func (h *SystemHandler) SetCallSender(callSender CallSender) {
	h.callSender = callSender
}

// ---------------------------------------------------------------------------
// Connection lifecycle

// CheckChargerAuth validates a connecting charger before the websocket
// upgrade: known id (or autoregistration) and, when enabled, HTTP Basic
// credentials against the stored sha.
func (h *SystemHandler) CheckChargerAuth(chargerId string, r *http.Request) error {
	charger, ok := h.registry.GetCharger(chargerId)
	if !ok {
		if !h.conf.Model.ChargerAutoregister {
			return utility.Err(fmt.Sprintf("charge point %s unknown", chargerId))
		}
		var err error
		charger, err = h.registry.Autoregister(chargerId, h.conf.Model.ChargerAutoregisterGroup)
		if err != nil {
			return err
		}
		h.logger.FeatureEvent("Connect", chargerId, "auto-registered charger")
	}
	if !h.conf.Listen.HTTPAuth || charger.AuthSHA == "" {
		return nil
	}
	requestAuth := r.Header.Get("Authorization")
	if requestAuth == "" {
		return utility.Err("missing Basic Auth")
	}
	if utility.Sha256(requestAuth) != charger.AuthSHA {
		return utility.Err("wrong Basic Auth")
	}
	return nil
}

// OnChargerConnection tracks connects and disconnects. On a fresh connect
// the profile baseline is reinstalled by the next allocator cycle, and an
// AuthorizationKey is issued when the charger does not have one yet.
func (h *SystemHandler) OnChargerConnection(chargerId string, connected bool) {
	h.registry.SetChargerConnected(chargerId, connected)
	if !connected {
		h.logger.FeatureEvent("Connect", chargerId, "disconnected")
		return
	}
	h.logger.FeatureEvent("Connect", chargerId, "connected")
	if h.conf.Listen.HTTPAuth {
		if charger, ok := h.registry.GetCharger(chargerId); ok && charger.AuthSHA == "" {
			go h.setNewAuthorizationKey(chargerId)
		}
	}
}

// setNewAuthorizationKey issues a fresh AuthorizationKey after the
// configured delay; some chargers restart on a key change right after boot.
func (h *SystemHandler) setNewAuthorizationKey(chargerId string) {
	time.Sleep(time.Duration(h.conf.Listen.HTTPAuthDelay) * time.Second)

	key := models.GenAuthKey()
	var response core.ChangeConfigurationResponse
	err := h.call(chargerId, core.NewChangeConfigurationRequest("AuthorizationKey", key), &response)
	if err != nil {
		h.logger.Error(fmt.Sprintf("setting AuthorizationKey for %s", chargerId), err)
		return
	}
	if response.Status != core.ConfigurationStatusAccepted {
		h.logger.Warn(fmt.Sprintf("AuthorizationKey rejected by %s: %s", chargerId, response.Status))
		return
	}
	authString := chargerId + ":" + key
	authSHA := utility.Sha256("Basic " + base64.StdEncoding.EncodeToString([]byte(authString)))
	if err := h.registry.SetChargerAuthSHA(chargerId, authSHA); err != nil {
		h.logger.Error("storing auth sha", err)
		return
	}
	if err := models.WriteChargersCSV(h.conf.Model.ChargersCSV, h.registry.Chargers()); err != nil {
		h.logger.Error("rewriting chargers csv", err)
	}
	h.logger.FeatureEvent("Connect", chargerId, "issued new AuthorizationKey")
}

// ---------------------------------------------------------------------------
// Inbound message handling (core profile)

func (h *SystemHandler) OnBootNotification(chargerId string, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	regStatus := core.RegistrationStatusAccepted
	if err := h.registry.BootNotification(chargerId, request); err != nil {
		regStatus = core.RegistrationStatusRejected
	}
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, string(regStatus))
	return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), h.conf.Csms.HeartbeatInterval, regStatus), nil
}

func (h *SystemHandler) OnAuthorize(chargerId string, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	info := h.registry.Authorize(chargerId, request.IdTag, h.conf.Csms.AllowConcurrentTag, h.conf.Csms.AcceptUnknownTag)
	h.registry.TouchCharger(chargerId)

	if h.eventHandler != nil {
		h.eventHandler.OnAuthorize(&internal.EventMessage{
			ChargerId: chargerId,
			Time:      time.Now(),
			IdTag:     request.IdTag,
			Status:    string(info.Status),
			Payload:   request,
		})
	}
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("id tag: %s; authorization status: %s", request.IdTag, info.Status))
	return core.NewAuthorizationResponse(info), nil
}

func (h *SystemHandler) OnHeartbeat(chargerId string, request *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	h.registry.TouchCharger(chargerId)
	return core.NewHeartbeatResponse(types.NewDateTime(time.Now())), nil
}

func (h *SystemHandler) OnStartTransaction(chargerId string, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	info := h.registry.Authorize(chargerId, request.IdTag, h.conf.Csms.AllowConcurrentTag, h.conf.Csms.AcceptUnknownTag)
	if info.Status != types.AuthorizationStatusAccepted {
		h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("rejected start with tag %s: %s", request.IdTag, info.Status))
		return core.NewStartTransactionResponse(info, 0), nil
	}

	transactionId, err := h.registry.StartTransaction(chargerId, request.ConnectorId, request.IdTag, request.MeterStart, request.Timestamp.Time)
	if err != nil {
		h.logger.Error("start transaction", err)
		return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
	}

	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStart(&internal.EventMessage{
			ChargerId:     chargerId,
			ConnectorId:   request.ConnectorId,
			Time:          request.Timestamp.Time,
			IdTag:         request.IdTag,
			TransactionId: transactionId,
			Payload:       request,
		})
	}
	h.observeTransactionCount()
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("started transaction #%v for connector %v", transactionId, request.ConnectorId))
	return core.NewStartTransactionResponse(info, transactionId), nil
}

func (h *SystemHandler) OnStopTransaction(chargerId string, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	meterStop := request.MeterStop
	timestamp := request.Timestamp.Time
	for _, data := range request.TransactionData {
		for _, value := range data.SampledValue {
			if value.Context == types.ReadingContextTransactionEnd && value.Measurand == types.MeasurandEnergyActiveImportRegister {
				meterStop = utility.ToInt(value.Value)
				timestamp = data.Timestamp.Time
			}
		}
	}

	session, err := h.registry.StopTransaction(chargerId, request.TransactionId, meterStop, timestamp, string(request.Reason), request.IdTag)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("stop transaction #%v: %s", request.TransactionId, err))
		return core.NewStopTransactionResponse(), nil
	}

	// Block the connector again so the next session waits for an allocation.
	go func() {
		if err := h.SetBlockingProfile(chargerId, session.ConnectorId); err != nil {
			h.logger.Warn(fmt.Sprintf("blocking profile after stop failed for %s/%d: %s", chargerId, session.ConnectorId, err))
		} else {
			h.registry.SetBlockingProfileReset(chargerId, session.ConnectorId, true)
		}
	}()

	if h.eventHandler != nil {
		h.eventHandler.OnTransactionStop(&internal.EventMessage{
			ChargerId:     chargerId,
			ConnectorId:   session.ConnectorId,
			Time:          session.EndTime,
			Username:      session.UserName,
			IdTag:         session.IdTag,
			TransactionId: request.TransactionId,
			Info:          fmt.Sprintf("consumed %s kWh", utility.KwhStr(float64(session.EnergyWh))),
			Payload:       request,
		})
	}
	h.observeTransactionCount()
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("stopped transaction %v %v", request.TransactionId, request.Reason))
	return core.NewStopTransactionResponse(), nil
}

func (h *SystemHandler) OnMeterValues(chargerId string, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	for _, meterValue := range request.MeterValue {
		usage := 0.0
		var energy *int
		var offered *int
		for _, sample := range meterValue.SampledValue {
			measurand := sample.Measurand
			if measurand == "" {
				measurand = types.MeasurandEnergyActiveImportRegister
			}
			switch measurand {
			case types.MeasurandCurrentImport:
				if value := utility.ToFloat(sample.Value); value > usage {
					usage = value
				}
			case types.MeasurandEnergyActiveImportRegister:
				if sample.Phase == "" {
					value := utility.ToInt(sample.Value)
					energy = &value
				}
			case types.MeasurandCurrentOffered:
				value := utility.ToInt(sample.Value)
				offered = &value
			}
		}
		if energy == nil && offered == nil && usage == 0 {
			continue
		}
		energyValue := 0
		if energy != nil {
			energyValue = *energy
		}
		timestamp := time.Now()
		if meterValue.Timestamp != nil {
			timestamp = meterValue.Timestamp.Time
		}
		err := h.registry.MeterValues(chargerId, request.ConnectorId, request.TransactionId, usage, energyValue, offered, timestamp)
		if err != nil {
			h.logger.Warn(fmt.Sprintf("meter values for %s/%d: %s", chargerId, request.ConnectorId, err))
		}
	}
	return core.NewMeterValuesResponse(), nil
}

func (h *SystemHandler) OnStatusNotification(chargerId string, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	err := h.registry.StatusNotification(chargerId, request.ConnectorId, request.Status, string(request.ErrorCode), request.Info)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("status notification for %s/%d: %s", chargerId, request.ConnectorId, err))
		return core.NewStatusNotificationResponse(), nil
	}
	if request.ErrorCode != core.NoError {
		observeError(chargerId, string(request.ErrorCode))
	}
	if request.Status == core.ChargePointStatusFaulted {
		h.logger.Warn(fmt.Sprintf("connector %s/%d faulted: %s", chargerId, request.ConnectorId, request.ErrorCode))
		if h.eventHandler != nil {
			h.eventHandler.OnAlert(&internal.EventMessage{
				ChargerId:   chargerId,
				ConnectorId: request.ConnectorId,
				Time:        time.Now(),
				Status:      string(request.Status),
				Info:        string(request.ErrorCode),
				Payload:     request,
			})
		}
	}
	if h.eventHandler != nil {
		h.eventHandler.OnStatusNotification(&internal.EventMessage{
			ChargerId:   chargerId,
			ConnectorId: request.ConnectorId,
			Time:        time.Now(),
			Status:      string(request.Status),
			Payload:     request,
		})
	}
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("updated connector #%v status to %v", request.ConnectorId, request.Status))
	return core.NewStatusNotificationResponse(), nil
}

func (h *SystemHandler) OnDataTransfer(chargerId string, request *core.DataTransferRequest) (*core.DataTransferResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("received data from vendor %s", request.VendorId))
	return core.NewDataTransferResponse(core.DataTransferStatusRejected), nil
}

// ---------------------------------------------------------------------------
// Inbound message handling (firmware profile)

func (h *SystemHandler) OnDiagnosticsStatusNotification(chargerId string, request *firmware.DiagnosticsStatusNotificationRequest) (*firmware.DiagnosticsStatusNotificationResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("diagnostics status %v", request.Status))
	return firmware.NewDiagnosticsStatusNotificationResponse(), nil
}

func (h *SystemHandler) OnFirmwareStatusNotification(chargerId string, request *firmware.StatusNotificationRequest) (*firmware.StatusNotificationResponse, error) {
	h.logger.FeatureEvent(request.GetFeatureName(), chargerId, fmt.Sprintf("firmware status %v", request.Status))
	if request.Status == firmware.StatusInstalled {
		// A successful install is followed by a reboot; ask for fresh state.
		h.registry.SetRequestedStatus(chargerId, false)
	}
	return firmware.NewStatusNotificationResponse(), nil
}

// ---------------------------------------------------------------------------
// Outbound calls

func (h *SystemHandler) call(chargerId string, request ocpp.Request, response interface{}) error {
	if h.callSender == nil {
		return utility.Err("no call sender configured")
	}
	payload, err := h.callSender.SendCall(chargerId, request)
	if err != nil {
		return err
	}
	if response == nil || payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(payload), response)
}

func (h *SystemHandler) ClearAllDefaultProfiles(chargerId string) error {
	var response smartcharging.ClearChargingProfileResponse
	if err := h.call(chargerId, smartcharging.NewClearAllDefaultProfilesRequest(), &response); err != nil {
		return err
	}
	// Unknown simply means there was nothing to clear.
	return nil
}

func (h *SystemHandler) SetMinimumProfile(chargerId string) error {
	var response smartcharging.SetChargingProfileResponse
	request := smartcharging.NewMinimumProfileRequest(h.conf.Balanz.MinAllocation)
	if err := h.call(chargerId, request, &response); err != nil {
		return err
	}
	if response.Status != smartcharging.ChargingProfileStatusAccepted {
		return utility.Err(fmt.Sprintf("minimum profile rejected: %s", response.Status))
	}
	return nil
}

func (h *SystemHandler) SetBlockingProfile(chargerId string, connectorId int) error {
	var response smartcharging.SetChargingProfileResponse
	if err := h.call(chargerId, smartcharging.NewBlockingProfileRequest(connectorId), &response); err != nil {
		return err
	}
	if response.Status != smartcharging.ChargingProfileStatusAccepted {
		return utility.Err(fmt.Sprintf("blocking profile rejected: %s", response.Status))
	}
	return nil
}

func (h *SystemHandler) ClearBlockingProfile(chargerId string, connectorId int) error {
	var response smartcharging.ClearChargingProfileResponse
	if err := h.call(chargerId, smartcharging.NewClearBlockingProfileRequest(connectorId), &response); err != nil {
		return err
	}
	if response.Status != smartcharging.ClearChargingProfileStatusAccepted {
		return utility.Err(fmt.Sprintf("clear blocking profile rejected: %s", response.Status))
	}
	return nil
}

func (h *SystemHandler) SetTxProfile(chargerId string, connectorId, transactionId, limit int) error {
	var response smartcharging.SetChargingProfileResponse
	request := smartcharging.NewTxProfileRequest(connectorId, transactionId, limit)
	if err := h.call(chargerId, request, &response); err != nil {
		return err
	}
	if response.Status != smartcharging.ChargingProfileStatusAccepted {
		return utility.Err(fmt.Sprintf("tx profile rejected: %s", response.Status))
	}
	return nil
}

// RequestStatus asks a freshly connected charger for its current state.
func (h *SystemHandler) RequestStatus(chargerId string) error {
	charger, ok := h.registry.GetCharger(chargerId)
	if !ok {
		return models.Errf("charger %s not found", chargerId)
	}
	if err := h.call(chargerId, remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTriggerBootNotification, 0), nil); err != nil {
		return err
	}
	for connectorId := range charger.Connectors {
		if err := h.call(chargerId, remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTriggerStatusNotification, connectorId), nil); err != nil {
			return err
		}
	}
	return h.call(chargerId, remotetrigger.NewTriggerMessageRequest(remotetrigger.MessageTriggerMeterValues, 0), nil)
}

// UpdateFirmware dispatches a firmware update from the catalogue.
func (h *SystemHandler) UpdateFirmware(chargerId, location string) error {
	request := firmware.NewUpdateFirmwareRequest(location, types.NewDateTime(time.Now()))
	return h.call(chargerId, request, nil)
}

func (h *SystemHandler) observeTransactionCount() {
	_, _, _, _, transactions := h.registry.Counts()
	observeTransactions(transactions)
}
