package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocpp-balanz/balanz/balanz"
	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
	"github.com/ocpp-balanz/balanz/models"
	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/ocpp/remotetrigger"
	"github.com/ocpp-balanz/balanz/ocpp/smartcharging"
	"github.com/ocpp-balanz/balanz/schedule"
	"github.com/ocpp-balanz/balanz/utility"
)

const Version = "1.0.0"

// API error status values.
const (
	statusProtocolError       = "ProtocolError"
	statusNotAuthorized       = "NotAuthorized"
	statusInvalidLogin        = "InvalidLogin"
	statusNoSuchCharger       = "NoSuchCharger"
	statusChargerNotConnected = "ChargerNotConnected"
	statusInvalidCommand      = "InvalidCommand"
	statusModelError          = "ModelError"
	statusCallError           = "CallError"
)

// apiAllow lists the commands available per role; Admin may do everything.
var apiAllow = map[models.UserType][]string{
	models.UserTypeStatus: {"GetGroups", "GetChargers"},
	models.UserTypeAnalysis: {
		"GetGroups", "GetChargers", "GetTags", "DrawAll", "GetSessions",
	},
	models.UserTypeSessionPriority: {
		"GetGroups", "GetChargers", "SetChargePriority",
	},
	models.UserTypeTags: {
		"GetGroups", "GetChargers", "GetTags", "DrawAll", "GetSessions",
		"SetChargePriority", "UpdateTag", "CreateTag", "DeleteTag", "ReloadTags",
	},
}

// readOnlyCommands are exempt from the audit trail.
var readOnlyCommands = map[string]bool{
	"Login": true, "GetStatus": true, "GetGroups": true, "GetChargers": true,
	"GetTags": true, "GetSessions": true, "GetUsers": true, "GetFirmware": true,
	"DrawAll": true,
}

// Api implements the admin WebSocket protocol on the /api endpoint, using
// the same OCPP-J style framing as the charger side.
type Api struct {
	conf     *config.Config
	registry *models.Registry
	handler  *SystemHandler
	loop     *balanz.Loop
	logger   internal.LogHandler
	audit    *internal.AuditLogger
	started  time.Time
}

func NewApi(conf *config.Config, registry *models.Registry, handler *SystemHandler, loop *balanz.Loop, logger internal.LogHandler) (*Api, error) {
	audit, err := internal.NewAuditLogger(conf.History.AuditFile)
	if err != nil {
		return nil, fmt.Errorf("audit log setup failed: %s", err)
	}
	return &Api{
		conf:     conf,
		registry: registry,
		handler:  handler,
		loop:     loop,
		logger:   logger,
		audit:    audit,
		started:  time.Now(),
	}, nil
}

type apiSession struct {
	ws       *WebSocket
	user     *models.User
	loggedIn bool
}

func (s *apiSession) userId() string {
	if s.user != nil {
		return s.user.UserId
	}
	return "-"
}

// HandleConnection runs the command loop for one API client.
func (a *Api) HandleConnection(ws *WebSocket) {
	session := &apiSession{ws: ws}
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			_ = ws.conn.Close()
			return
		}
		response := a.handleFrame(session, data)
		payload, err := json.Marshal(response)
		if err != nil {
			a.logger.Error("api: encoding response", err)
			continue
		}
		if err = ws.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = ws.conn.Close()
			return
		}
	}
}

func errorFrame(messageId, status string) []interface{} {
	return []interface{}{int(CallTypeError), messageId, map[string]string{"status": status}}
}

func resultFrame(messageId string, payload interface{}) []interface{} {
	return []interface{}{int(CallTypeResult), messageId, payload}
}

func (a *Api) handleFrame(session *apiSession, data []byte) []interface{} {
	frame, err := utility.ParseJson(data)
	if err != nil || len(frame) != 4 {
		a.logger.Warn(fmt.Sprintf("api: malformed call: %s", string(data)))
		return errorFrame("007", statusProtocolError)
	}
	rawType, ok := frame[0].(float64)
	if !ok || CallType(rawType) != CallTypeRequest {
		return errorFrame("007", statusProtocolError)
	}
	messageId, _ := frame[1].(string)
	command, _ := frame[2].(string)
	payload, _ := frame[3].(map[string]interface{})
	if payload == nil {
		payload = map[string]interface{}{}
	}

	if command != "Login" && command != "DrawAll" {
		a.logger.Debug(fmt.Sprintf("api: command %s from %s", command, session.userId()))
	}

	if !session.loggedIn && command != "Login" {
		return errorFrame(messageId, statusNotAuthorized)
	}
	if session.loggedIn && command != "Login" && !a.allowed(session.user.UserType, command) {
		return errorFrame(messageId, statusNotAuthorized)
	}

	// Resolve charger alias quietly when only the alias was given.
	if alias := str(payload, "alias"); alias != "" && str(payload, "charger_id") == "" {
		if charger, ok := a.registry.FindCharger("", alias); ok {
			payload["charger_id"] = charger.Id
		}
	}

	result, status := a.dispatch(session, command, payload)
	if status != "" {
		return errorFrame(messageId, status)
	}
	if !readOnlyCommands[command] {
		detail, _ := json.Marshal(payload)
		a.audit.Record(session.userId(), command, string(detail))
	}
	return resultFrame(messageId, result)
}

func (a *Api) allowed(userType models.UserType, command string) bool {
	if userType == models.UserTypeAdmin {
		return true
	}
	return utility.Contains(apiAllow[userType], command)
}

func str(payload map[string]interface{}, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

func num(payload map[string]interface{}, key string) (int, bool) {
	if value, ok := payload[key].(float64); ok {
		return int(value), true
	}
	return 0, false
}

func boolean(payload map[string]interface{}, key string) bool {
	value, _ := payload[key].(bool)
	return value
}

func numPtr(payload map[string]interface{}, key string) *int {
	if value, ok := num(payload, key); ok {
		return &value
	}
	return nil
}

// connectedCharger resolves and checks a charger for OCPP pass-through
// commands.
func (a *Api) connectedCharger(payload map[string]interface{}) (*models.Charger, string) {
	charger, ok := a.registry.FindCharger(str(payload, "charger_id"), str(payload, "alias"))
	if !ok {
		return nil, statusNoSuchCharger
	}
	if !charger.Connected {
		return nil, statusChargerNotConnected
	}
	return charger, ""
}

func (a *Api) dispatch(session *apiSession, command string, payload map[string]interface{}) (interface{}, string) {
	switch command {
	case "Login":
		token := str(payload, "token")
		if token == "" {
			return nil, statusInvalidLogin
		}
		user, ok := a.registry.CheckAuth(token)
		if !ok {
			return nil, statusInvalidLogin
		}
		session.loggedIn = true
		session.user = user
		return map[string]interface{}{"user_type": user.UserType}, ""

	case "GetStatus":
		groups, chargers, tags, sessions, transactions := a.registry.Counts()
		return map[string]interface{}{
			"version":         Version,
			"starttime":       utility.TimeStr(a.started),
			"no_groups":       groups,
			"no_chargers":     chargers,
			"no_tags":         tags,
			"no_sessions":     sessions,
			"no_transactions": transactions,
		}, ""

	case "DrawAll":
		return map[string]interface{}{"draw": a.registry.DrawAll()}, ""

	case "GetGroups":
		return a.groupList(), ""
	case "ReloadGroups":
		groups, err := models.ReadGroupsCSV(a.conf.Model.GroupsCSV)
		if err != nil {
			return nil, statusModelError
		}
		if err := a.registry.ReplaceGroups(groups); err != nil {
			return nil, statusModelError
		}
		return okResult(), ""
	case "CreateGroup":
		group := &models.Group{
			GroupId:     str(payload, "group_id"),
			ParentId:    str(payload, "parent_id"),
			Description: str(payload, "description"),
			Priority:    numPtr(payload, "priority"),
		}
		if definition := str(payload, "max_allocation"); definition != "" {
			parsed, err := schedule.Parse(definition)
			if err != nil {
				return nil, statusModelError
			}
			group.MaxAllocation = parsed
		}
		if err := a.registry.AddGroup(group); err != nil {
			return nil, statusModelError
		}
		a.saveGroups()
		return okResult(), ""
	case "UpdateGroup":
		err := a.registry.UpdateGroup(str(payload, "group_id"), str(payload, "description"),
			str(payload, "max_allocation"), numPtr(payload, "priority"))
		if err != nil {
			return nil, statusModelError
		}
		a.saveGroups()
		return okResult(), ""
	case "DeleteGroup":
		if err := a.registry.DeleteGroup(str(payload, "group_id")); err != nil {
			return nil, statusModelError
		}
		a.saveGroups()
		return okResult(), ""
	case "SetBalanzState":
		suspend := boolean(payload, "suspend")
		if err := a.registry.SetBalanzState(str(payload, "group_id"), suspend); err != nil {
			return nil, statusModelError
		}
		if !suspend && a.loop != nil {
			a.loop.Wake()
		}
		return okResult(), ""

	case "GetChargers":
		return a.registry.Chargers(), ""
	case "ReloadChargers":
		chargers, err := models.ReadChargersCSV(a.conf.Model.ChargersCSV)
		if err != nil {
			return nil, statusModelError
		}
		if err := a.registry.ReplaceChargers(chargers); err != nil {
			return nil, statusModelError
		}
		return okResult(), ""
	case "CreateCharger":
		connectors := 1
		if value, ok := num(payload, "no_connectors"); ok {
			connectors = value
		}
		priority, _ := num(payload, "priority")
		connMax, _ := num(payload, "conn_max")
		charger := models.NewCharger(str(payload, "charger_id"), str(payload, "alias"),
			str(payload, "group_id"), connectors, priority, connMax)
		charger.Description = str(payload, "description")
		if err := a.registry.AddCharger(charger); err != nil {
			return nil, statusModelError
		}
		a.saveChargers()
		return okResult(), ""
	case "UpdateCharger":
		err := a.registry.UpdateCharger(str(payload, "charger_id"), str(payload, "alias"),
			str(payload, "description"), numPtr(payload, "priority"), numPtr(payload, "conn_max"))
		if err != nil {
			return nil, statusModelError
		}
		a.saveChargers()
		return okResult(), ""
	case "DeleteCharger":
		if err := a.registry.DeleteCharger(str(payload, "charger_id")); err != nil {
			return nil, statusModelError
		}
		a.saveChargers()
		return okResult(), ""
	case "ResetChargerAuth":
		if err := a.registry.SetChargerAuthSHA(str(payload, "charger_id"), ""); err != nil {
			return nil, statusModelError
		}
		a.saveChargers()
		return okResult(), ""

	case "GetTags":
		return a.registry.Tags(), ""
	case "ReloadTags":
		tags, err := models.ReadTagsCSV(a.conf.Model.TagsCSV)
		if err != nil {
			return nil, statusModelError
		}
		a.registry.ReplaceTags(tags)
		return okResult(), ""
	case "CreateTag":
		status := models.TagStatus(str(payload, "status"))
		if status == "" {
			status = models.TagStatusActivated
		}
		tag := &models.Tag{
			IdTag:       str(payload, "id_tag"),
			UserName:    str(payload, "user_name"),
			ParentIdTag: str(payload, "parent_id_tag"),
			Description: str(payload, "description"),
			Status:      status,
			Priority:    numPtr(payload, "priority"),
		}
		if err := a.registry.AddTag(tag); err != nil {
			return nil, statusModelError
		}
		a.saveTags()
		return okResult(), ""
	case "UpdateTag":
		idTag := str(payload, "id_tag")
		status := models.TagStatus(str(payload, "status"))
		result := okResult()
		if status == models.TagStatusBlocked {
			// Blocking a parent tag with members in live sessions is
			// allowed, but worth a warning.
			if active := a.registry.ActiveTagMembers(models.NormalizeIdTag(idTag)); len(active) > 0 {
				result["warning"] = fmt.Sprintf("parent tag has active members: %v", active)
			}
		}
		err := a.registry.UpdateTag(idTag, str(payload, "user_name"), str(payload, "parent_id_tag"),
			str(payload, "description"), status, numPtr(payload, "priority"))
		if err != nil {
			return nil, statusModelError
		}
		a.saveTags()
		return result, ""
	case "DeleteTag":
		if err := a.registry.DeleteTag(str(payload, "id_tag")); err != nil {
			return nil, statusModelError
		}
		a.saveTags()
		return okResult(), ""

	case "GetUsers":
		return a.registry.Users(), ""
	case "CreateUser":
		user := models.NewUser(str(payload, "user_id"), str(payload, "password"),
			models.UserType(str(payload, "user_type")), str(payload, "description"))
		if err := a.registry.AddUser(user); err != nil {
			return nil, statusModelError
		}
		a.saveUsers()
		return okResult(), ""
	case "UpdateUser":
		err := a.registry.UpdateUser(str(payload, "user_id"), str(payload, "password"),
			str(payload, "description"), models.UserType(str(payload, "user_type")))
		if err != nil {
			return nil, statusModelError
		}
		a.saveUsers()
		return okResult(), ""
	case "DeleteUser":
		if err := a.registry.DeleteUser(str(payload, "user_id")); err != nil {
			return nil, statusModelError
		}
		a.saveUsers()
		return okResult(), ""

	case "GetFirmware":
		return a.registry.Firmware(), ""
	case "ReloadFirmware":
		records, err := models.ReadFirmwareCSV(a.conf.Model.FirmwareCSV)
		if err != nil {
			return nil, statusModelError
		}
		a.registry.ReplaceFirmware(records)
		return okResult(), ""
	case "CreateFirmware", "ModifyFirmware":
		firmware := &models.Firmware{
			FirmwareId:          str(payload, "firmware_id"),
			ChargePointVendor:   str(payload, "charge_point_vendor"),
			ChargePointModel:    str(payload, "charge_point_model"),
			FirmwareVersion:     str(payload, "firmware_version"),
			MeterType:           str(payload, "meter_type"),
			URL:                 str(payload, "url"),
			UpgradeFromVersions: str(payload, "upgrade_from_versions"),
		}
		var err error
		if command == "CreateFirmware" {
			err = a.registry.AddFirmware(firmware)
		} else {
			err = a.registry.UpdateFirmware(firmware)
		}
		if err != nil {
			return nil, statusModelError
		}
		a.saveFirmware()
		return okResult(), ""
	case "DeleteFirmware":
		if err := a.registry.DeleteFirmware(str(payload, "firmware_id")); err != nil {
			return nil, statusModelError
		}
		a.saveFirmware()
		return okResult(), ""

	case "GetSessions":
		return a.registry.Sessions(), ""

	case "SetChargePriority":
		connectorId, _ := num(payload, "connector_id")
		priority, ok := num(payload, "priority")
		if !ok {
			return nil, statusModelError
		}
		if err := a.registry.SetChargePriority(str(payload, "charger_id"), connectorId, priority); err != nil {
			return nil, statusModelError
		}
		return okResult(), ""

	default:
		return a.dispatchOcpp(command, payload)
	}
}

// dispatchOcpp handles the pass-through commands addressing one connected
// charger.
func (a *Api) dispatchOcpp(command string, payload map[string]interface{}) (interface{}, string) {
	charger, status := a.connectedCharger(payload)
	if status != "" {
		if command == "Reset" || command == "RemoteStartTransaction" || command == "RemoteStopTransaction" ||
			command == "GetConfiguration" || command == "ChangeConfiguration" || command == "TriggerMessage" ||
			command == "SetTxProfile" || command == "SetDefaultProfile" || command == "ClearDefaultProfile" ||
			command == "ClearDefaultProfiles" || command == "GetCompositeSchedule" || command == "UpdateFirmware" {
			return nil, status
		}
		return nil, statusInvalidCommand
	}
	connectorId, _ := num(payload, "connector_id")

	switch command {
	case "Reset":
		resetType := core.ResetType(str(payload, "type"))
		if resetType == "" {
			resetType = core.ResetTypeSoft
		}
		return a.rawCall(charger.Id, core.NewResetRequest(resetType))
	case "RemoteStartTransaction":
		request := core.NewRemoteStartTransactionRequest(str(payload, "id_tag"))
		if connectorId > 0 {
			request.ConnectorId = &connectorId
		}
		return a.rawCall(charger.Id, request)
	case "RemoteStopTransaction":
		transactionId, ok := num(payload, "transaction_id")
		if !ok {
			return nil, statusModelError
		}
		return a.rawCall(charger.Id, core.NewRemoteStopTransactionRequest(transactionId))
	case "GetConfiguration":
		var keys []string
		if key := str(payload, "key"); key != "" {
			keys = []string{key}
		}
		return a.rawCall(charger.Id, core.NewGetConfigurationRequest(keys))
	case "ChangeConfiguration":
		return a.rawCall(charger.Id, core.NewChangeConfigurationRequest(str(payload, "key"), str(payload, "value")))
	case "TriggerMessage":
		message := remotetrigger.MessageTrigger(str(payload, "requested_message"))
		return a.rawCall(charger.Id, remotetrigger.NewTriggerMessageRequest(message, connectorId))
	case "SetTxProfile":
		transactionId, _ := num(payload, "transaction_id")
		limit, _ := num(payload, "limit")
		return a.rawCall(charger.Id, smartcharging.NewTxProfileRequest(connectorId, transactionId, limit))
	case "SetDefaultProfile":
		limit, _ := num(payload, "limit")
		if limit == 0 {
			return a.rawCall(charger.Id, smartcharging.NewBlockingProfileRequest(connectorId))
		}
		return a.rawCall(charger.Id, smartcharging.NewMinimumProfileRequest(limit))
	case "ClearDefaultProfile":
		return a.rawCall(charger.Id, smartcharging.NewClearBlockingProfileRequest(connectorId))
	case "ClearDefaultProfiles":
		return a.rawCall(charger.Id, smartcharging.NewClearAllDefaultProfilesRequest())
	case "GetCompositeSchedule":
		duration, ok := num(payload, "duration")
		if !ok {
			duration = 86400
		}
		return a.rawCall(charger.Id, smartcharging.NewGetCompositeScheduleRequest(connectorId, duration))
	case "UpdateFirmware":
		location := str(payload, "url")
		if location == "" {
			firmware, ok := a.registry.FindFirmwareFor(charger.Id)
			if !ok {
				return nil, statusModelError
			}
			location = firmware.URL
		}
		if err := a.handler.UpdateFirmware(charger.Id, location); err != nil {
			return nil, statusCallError
		}
		return okResult(), ""
	}
	return nil, statusInvalidCommand
}

func (a *Api) rawCall(chargerId string, request interface{ GetFeatureName() string }) (interface{}, string) {
	payload, err := a.handler.callSender.SendCall(chargerId, request)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("api: call %s to %s failed: %s", request.GetFeatureName(), chargerId, err))
		return nil, statusCallError
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return map[string]string{"payload": payload}, ""
	}
	return decoded, ""
}

func okResult() map[string]interface{} {
	return map[string]interface{}{"status": "OK"}
}

func (a *Api) groupList() []map[string]interface{} {
	groups := a.registry.Groups()
	chargers := a.registry.Chargers()
	result := make([]map[string]interface{}, 0, len(groups))
	now := time.Now()
	for _, group := range groups {
		entry := map[string]interface{}{
			"group_id":       group.GroupId,
			"parent_id":      group.ParentId,
			"description":    group.Description,
			"max_allocation": group.MaxAllocationText(),
			"suspended":      group.Suspended,
		}
		if group.MaxAllocation != nil {
			entry["max_allocation_now"] = group.MaxAllocation.MaxCap(now)
		}
		offered := 0
		usage := 0.0
		var members []string
		for _, charger := range chargers {
			if charger.GroupId != group.GroupId {
				continue
			}
			members = append(members, charger.Id)
			offered += charger.Offered()
			usage += charger.Usage()
		}
		entry["chargers"] = members
		entry["offered"] = offered
		entry["usage"] = usage
		observeOffered(group.GroupId, offered)
		result = append(result, entry)
	}
	return result
}

func (a *Api) saveGroups() {
	if err := models.WriteGroupsCSV(a.conf.Model.GroupsCSV, a.registry.Groups()); err != nil {
		a.logger.Error("writing groups csv", err)
	}
}

func (a *Api) saveChargers() {
	if err := models.WriteChargersCSV(a.conf.Model.ChargersCSV, a.registry.Chargers()); err != nil {
		a.logger.Error("writing chargers csv", err)
	}
}

func (a *Api) saveTags() {
	if err := models.WriteTagsCSV(a.conf.Model.TagsCSV, a.registry.Tags()); err != nil {
		a.logger.Error("writing tags csv", err)
	}
}

func (a *Api) saveUsers() {
	if err := models.WriteUsersCSV(a.conf.Api.UsersCSV, a.registry.Users()); err != nil {
		a.logger.Error("writing users csv", err)
	}
}

func (a *Api) saveFirmware() {
	if err := models.WriteFirmwareCSV(a.conf.Model.FirmwareCSV, a.registry.Firmware()); err != nil {
		a.logger.Error("writing firmware csv", err)
	}
}
