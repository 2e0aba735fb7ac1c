package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ocpp-balanz/balanz/ocpp/core"
	"github.com/ocpp-balanz/balanz/utility"
)

func parseFrame(t *testing.T, raw string) []interface{} {
	t.Helper()
	frame, err := utility.ParseJson([]byte(raw))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	return frame
}

func TestParseBootNotificationRequest(t *testing.T) {
	raw := `[2,"19223201","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"SingleSocketCharger"}]`
	frame := parseFrame(t, raw)
	callType, err := MessageType(frame)
	if err != nil {
		t.Fatal(err)
	}
	if callType != CallTypeRequest {
		t.Fatalf("call type: got %v, want request", callType)
	}
	request, err := ParseRequest(frame)
	if err != nil {
		t.Fatal(err)
	}
	if request.UniqueId != "19223201" {
		t.Errorf("unique id: got %s", request.UniqueId)
	}
	boot, ok := request.Payload.(*core.BootNotificationRequest)
	if !ok {
		t.Fatalf("payload type: %T", request.Payload)
	}
	if boot.ChargePointVendor != "VendorX" || boot.ChargePointModel != "SingleSocketCharger" {
		t.Errorf("payload fields: %+v", boot)
	}
}

func TestParseRequestRejectsUnknownAction(t *testing.T) {
	frame := parseFrame(t, `[2,"1","MadeUpAction",{}]`)
	if _, err := ParseRequest(frame); err == nil {
		t.Error("unknown action must be rejected")
	}
}

func TestParseRequestValidatesPayload(t *testing.T) {
	// StartTransaction without idTag and timestamp must fail validation.
	frame := parseFrame(t, `[2,"1","StartTransaction",{"connectorId":1,"meterStart":0}]`)
	if _, err := ParseRequest(frame); err == nil {
		t.Error("invalid payload must be rejected")
	}
}

func TestParseRequestWrongLength(t *testing.T) {
	frame := parseFrame(t, `[2,"1","Heartbeat"]`)
	if _, err := ParseRequest(frame); err == nil {
		t.Error("three element request must be rejected")
	}
}

func TestParseResultUnchecked(t *testing.T) {
	frame := parseFrame(t, `[3,"uid-1",{"status":"Accepted"}]`)
	result, err := ParseResultUnchecked(frame)
	if err != nil {
		t.Fatal(err)
	}
	if result.UniqueId != "uid-1" {
		t.Errorf("unique id: got %s", result.UniqueId)
	}
	if !strings.Contains(result.Payload, `"Accepted"`) {
		t.Errorf("payload: got %s", result.Payload)
	}
}

func TestCallMarshalFrame(t *testing.T) {
	call := &Call{
		UniqueId: "abc",
		Payload:  core.NewChangeConfigurationRequest("AuthorizationKey", "secret"),
	}
	data, err := call.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasPrefix(text, `[2,"abc","ChangeConfiguration",`) {
		t.Errorf("frame layout wrong: %s", text)
	}
}

func TestCallResultMarshalFrame(t *testing.T) {
	response := core.NewStatusNotificationResponse()
	result := CreateCallResult(response, "xyz")
	data, err := result.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[3,"xyz",{}]` {
		t.Errorf("frame: got %s", string(data))
	}
}

func TestCallErrorMarshalFrame(t *testing.T) {
	callError := &CallError{
		UniqueId:         "e1",
		ErrorCode:        "ProtocolError",
		ErrorDescription: "bad frame",
	}
	data, err := callError.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[4,"e1","ProtocolError","bad frame",{}]` {
		t.Errorf("frame: got %s", string(data))
	}
}

func TestMessageTypeErrors(t *testing.T) {
	if _, err := MessageType([]interface{}{"2", "id", "action"}); err == nil {
		t.Error("string type id must be rejected")
	}
	if _, err := MessageType([]interface{}{float64(9), "id", "action"}); err == nil {
		t.Error("unknown type id must be rejected")
	}
}

func TestRestoreAuthHeader(t *testing.T) {
	// Hex of "user:pass" is 757365723a70617373.
	r := httptest.NewRequest(http.MethodGet, "/CP-1", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "ocpp1.6, 757365723a70617373")
	restoreAuthHeader(r)
	auth := r.Header.Get("Authorization")
	if auth != "Basic dXNlcjpwYXNz" {
		t.Errorf("restored header: got %q", auth)
	}
}
