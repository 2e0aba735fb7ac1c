package smartcharging

import (
	"github.com/ocpp-balanz/balanz/types"
)

const SetChargingProfileFeatureName = "SetChargingProfile"

type ChargingProfileStatus string

const (
	ChargingProfileStatusAccepted     ChargingProfileStatus = "Accepted"
	ChargingProfileStatusRejected     ChargingProfileStatus = "Rejected"
	ChargingProfileStatusNotSupported ChargingProfileStatus = "NotSupported"
)

// Fixed profile ids and stack levels used by the allocation logic. The
// minimum profile sits below the blocking profile so that clearing the
// blocking profile exposes the minimum rate and lets a transaction start.
const (
	MinimumProfileId         = 1
	MinimumProfileStackLevel = 0
	BlockingProfileId        = 2
	BlockingProfileStack     = 1
	TxProfileId              = 3
	TxProfileStackLevel      = 3
)

type SetChargingProfileRequest struct {
	ConnectorId     int                    `json:"connectorId" validate:"gte=0"`
	ChargingProfile *types.ChargingProfile `json:"csChargingProfiles" validate:"required"`
}

type SetChargingProfileResponse struct {
	Status ChargingProfileStatus `json:"status" validate:"required"`
}

func (r SetChargingProfileRequest) GetFeatureName() string {
	return SetChargingProfileFeatureName
}

func (r SetChargingProfileResponse) GetFeatureName() string {
	return SetChargingProfileFeatureName
}

func NewSetChargingProfileRequest(connectorId int, chargingProfile *types.ChargingProfile) *SetChargingProfileRequest {
	return &SetChargingProfileRequest{ConnectorId: connectorId, ChargingProfile: chargingProfile}
}

func newDefaultProfile(profileId, stackLevel, limit int) *types.ChargingProfile {
	return &types.ChargingProfile{
		ChargingProfileId:      profileId,
		StackLevel:             stackLevel,
		ChargingProfilePurpose: types.ChargingProfilePurposeTxDefaultProfile,
		ChargingProfileKind:    types.ChargingProfileKindAbsolute,
		ChargingSchedule: &types.ChargingSchedule{
			ChargingRateUnit: types.ChargingRateUnitAmperes,
			ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: float64(limit)},
			},
		},
	}
}

// NewMinimumProfileRequest installs the base TxDefaultProfile on connector 0,
// allowing charging at the minimum rate whenever the blocking profile is absent.
func NewMinimumProfileRequest(limit int) *SetChargingProfileRequest {
	return NewSetChargingProfileRequest(0, newDefaultProfile(MinimumProfileId, MinimumProfileStackLevel, limit))
}

// NewBlockingProfileRequest installs the 0 A TxDefaultProfile shadowing the
// minimum profile on the given connector.
func NewBlockingProfileRequest(connectorId int) *SetChargingProfileRequest {
	return NewSetChargingProfileRequest(connectorId, newDefaultProfile(BlockingProfileId, BlockingProfileStack, 0))
}

// NewTxProfileRequest sets the transaction profile carrying the offered limit.
func NewTxProfileRequest(connectorId, transactionId, limit int) *SetChargingProfileRequest {
	profile := &types.ChargingProfile{
		ChargingProfileId:      TxProfileId,
		StackLevel:             TxProfileStackLevel,
		TransactionId:          transactionId,
		ChargingProfilePurpose: types.ChargingProfilePurposeTxProfile,
		ChargingProfileKind:    types.ChargingProfileKindAbsolute,
		ChargingSchedule: &types.ChargingSchedule{
			ChargingRateUnit: types.ChargingRateUnitAmperes,
			ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: float64(limit)},
			},
		},
	}
	return NewSetChargingProfileRequest(connectorId, profile)
}
