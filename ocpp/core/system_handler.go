package core

type SystemHandler interface {
	OnBootNotification(chargerId string, request *BootNotificationRequest) (confirmation *BootNotificationResponse, err error)
	OnAuthorize(chargerId string, request *AuthorizeRequest) (confirmation *AuthorizeResponse, err error)
	OnHeartbeat(chargerId string, request *HeartbeatRequest) (confirmation *HeartbeatResponse, err error)
	OnStartTransaction(chargerId string, request *StartTransactionRequest) (confirmation *StartTransactionResponse, err error)
	OnStopTransaction(chargerId string, request *StopTransactionRequest) (confirmation *StopTransactionResponse, err error)
	OnMeterValues(chargerId string, request *MeterValuesRequest) (confirmation *MeterValuesResponse, err error)
	OnStatusNotification(chargerId string, request *StatusNotificationRequest) (confirmation *StatusNotificationResponse, err error)
	OnDataTransfer(chargerId string, request *DataTransferRequest) (confirmation *DataTransferResponse, err error)
}
