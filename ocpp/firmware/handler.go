package firmware

type SystemHandler interface {
	OnDiagnosticsStatusNotification(chargerId string, request *DiagnosticsStatusNotificationRequest) (confirmation *DiagnosticsStatusNotificationResponse, err error)
	OnFirmwareStatusNotification(chargerId string, request *StatusNotificationRequest) (confirmation *StatusNotificationResponse, err error)
}
