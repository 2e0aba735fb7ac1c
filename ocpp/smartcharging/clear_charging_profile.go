package smartcharging

import "github.com/ocpp-balanz/balanz/types"

const ClearChargingProfileFeatureName = "ClearChargingProfile"

type ClearChargingProfileStatus string

const (
	ClearChargingProfileStatusAccepted ClearChargingProfileStatus = "Accepted"
	ClearChargingProfileStatusUnknown  ClearChargingProfileStatus = "Unknown"
)

type ClearChargingProfileRequest struct {
	Id                     *int                             `json:"id,omitempty" validate:"omitempty"`
	ConnectorId            *int                             `json:"connectorId,omitempty" validate:"omitempty,gte=0"`
	ChargingProfilePurpose types.ChargingProfilePurposeType `json:"chargingProfilePurpose,omitempty" validate:"omitempty"`
	StackLevel             *int                             `json:"stackLevel,omitempty" validate:"omitempty,gte=0"`
}

type ClearChargingProfileResponse struct {
	Status ClearChargingProfileStatus `json:"status" validate:"required"`
}

func (r ClearChargingProfileRequest) GetFeatureName() string {
	return ClearChargingProfileFeatureName
}

func (r ClearChargingProfileResponse) GetFeatureName() string {
	return ClearChargingProfileFeatureName
}

// NewClearAllDefaultProfilesRequest clears every TxDefaultProfile, driving the
// charger to a known baseline before the default profile pair is installed.
func NewClearAllDefaultProfilesRequest() *ClearChargingProfileRequest {
	return &ClearChargingProfileRequest{
		ChargingProfilePurpose: types.ChargingProfilePurposeTxDefaultProfile,
	}
}

// NewClearBlockingProfileRequest removes the blocking profile from the given
// connector, exposing the minimum profile so charging can start.
func NewClearBlockingProfileRequest(connectorId int) *ClearChargingProfileRequest {
	id := BlockingProfileId
	return &ClearChargingProfileRequest{
		Id:          &id,
		ConnectorId: &connectorId,
	}
}
