package models

import "strings"

// Firmware is a firmware catalogue entry. A charger qualifies for an entry
// when vendor and model match and its current version is listed in the
// upgrade-from set (an empty set allows any version).
type Firmware struct {
	FirmwareId          string `json:"firmware_id"`
	ChargePointVendor   string `json:"charge_point_vendor"`
	ChargePointModel    string `json:"charge_point_model"`
	FirmwareVersion     string `json:"firmware_version"`
	MeterType           string `json:"meter_type,omitempty"`
	URL                 string `json:"url"`
	UpgradeFromVersions string `json:"upgrade_from_versions,omitempty"`
}

func (f *Firmware) Matches(charger *Charger) bool {
	if charger.Vendor != f.ChargePointVendor || charger.Model != f.ChargePointModel {
		return false
	}
	if charger.FirmwareVersion == f.FirmwareVersion {
		return false
	}
	if f.UpgradeFromVersions == "" {
		return true
	}
	for _, version := range strings.Split(f.UpgradeFromVersions, " ") {
		if version == charger.FirmwareVersion {
			return true
		}
	}
	return false
}
