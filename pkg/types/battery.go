package types

import "time"

// Source selects which upstream the refresh loop talks to. It is chosen once
// at setup and never changes for the lifetime of a coordinator; switching
// sources requires building a new coordinator.
type Source string

const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
)

// Battery operating modes as the Enlighten API names them.
const (
	ModeSelfConsumption = "self-consumption"
	ModeCostSavings     = "cost_savings"
	ModeBackupOnly      = "backup_only"
	ModeExpert          = "expert"
)

// BatteryModes lists every mode accepted by SetMode.
var BatteryModes = []string{
	ModeSelfConsumption,
	ModeCostSavings,
	ModeBackupOnly,
	ModeExpert,
}

// ValidMode reports whether mode is one of the known battery modes.
func ValidMode(mode string) bool {
	for _, m := range BatteryModes {
		if m == mode {
			return true
		}
	}
	return false
}

// BatteryDevice describes one battery unit from the gateway inventory.
type BatteryDevice struct {
	Serial       string  `json:"serial"`
	PartNumber   string  `json:"partNumber"`
	Firmware     string  `json:"firmware"`
	TemperatureC float64 `json:"temperatureC"`
}

// BatteryRecord is the canonical battery state produced once per refresh
// tick. Both sources normalize into this shape; a fresh record is built on
// every tick and the previous one is kept only for the accumulator's delta
// math.
type BatteryRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`

	SOC             float64 `json:"soc"`             // 0-100
	NetPowerW       float64 `json:"netPowerW"`       // positive discharging, negative charging
	ChargePowerW    float64 `json:"chargePowerW"`    // >= 0
	DischargePowerW float64 `json:"dischargePowerW"` // >= 0

	AvailableEnergyWh float64 `json:"availableEnergyWh"`
	MaxCapacityWh     float64 `json:"maxCapacityWh"`
	SOH               float64 `json:"soh"` // 0-100, 100 when the source doesn't report it
	TemperatureC      float64 `json:"temperatureC,omitempty"`

	Mode                 string  `json:"mode,omitempty"`
	BackupReservePercent float64 `json:"backupReservePercent"`
	VeryLowSOCPercent    float64 `json:"veryLowSOCPercent"`
	ChargeFromGrid       bool    `json:"chargeFromGrid"`
	DischargeToGrid      bool    `json:"dischargeToGrid"`
	ReserveDischarge     bool    `json:"reserveDischarge"`

	Devices []BatteryDevice `json:"devices,omitempty"`

	// Lifetime counters reported by the source, in kWh. Zero when the source
	// doesn't expose them (the cloud today endpoint doesn't).
	CumulativeChargedKWH     float64 `json:"cumulativeChargedKWH"`
	CumulativeDischargedKWH  float64 `json:"cumulativeDischargedKWH"`
	CumulativeConsumptionKWH float64 `json:"cumulativeConsumptionKWH"`

	// Derived values, either passed through from the source or computed by
	// the accumulator from the lifetime counters.
	DailyChargedKWH    float64 `json:"dailyChargedKWH"`
	DailyDischargedKWH float64 `json:"dailyDischargedKWH"`
	Consumption24hKWH  float64 `json:"consumption24hKWH"`
	BackupTimeMinutes  int     `json:"backupTimeMinutes"`

	Status string `json:"status,omitempty"`
}

// PowerSplit splits a signed net power figure into non-negative charge and
// discharge components. Net is positive when discharging.
func PowerSplit(netW float64) (chargeW, dischargeW float64) {
	if netW < 0 {
		return -netW, 0
	}
	return 0, netW
}

// NetPower combines charge and discharge readings into the signed net
// figure. Sources occasionally report both as non-zero for a single
// interval; the difference is still the meaningful net value.
func NetPower(chargeW, dischargeW float64) float64 {
	return dischargeW - chargeW
}
