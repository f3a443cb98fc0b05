package enlighten

import (
	"strconv"
	"time"

	"github.com/foXaCe/enphase-battery/pkg/types"
)

// Extraction rules for the loosely-versioned today/settings payloads. Each
// logical field has an ordered list of keys tried in sequence; the first hit
// wins and a total miss leaves the field at its zero value instead of
// failing the whole record.
var (
	modeKeys          = []string{"profile", "usage"}
	reserveKeys       = []string{"batteryBackupPercentage", "battery_backup_percentage"}
	veryLowSOCKeys    = []string{"veryLowSoc", "very_low_soc"}
	chargeGridKeys    = []string{"chargeFromGrid", "charge_from_grid"}
	dischargeGridCtrl = "dtgControl"
	reserveDischCtrl  = "rbdControl"
)

// normalize maps the today summary plus the optional settings object into
// the canonical record. When settings are present they take precedence over
// the batteryConfig embedded in the today payload, which lags behind.
func normalize(today, settings map[string]any, now time.Time) *types.BatteryRecord {
	rec := &types.BatteryRecord{
		Timestamp: now,
		Source:    types.SourceCloud,
		SOH:       100,
		Status:    "unknown",
	}

	details := asMap(today["battery_details"])
	stats := firstMap(today["stats"])

	if soc, ok := floatValue(details, "aggregate_soc"); ok {
		rec.SOC = soc
	} else if soc, ok := latestSeries(stats, "soc"); ok {
		rec.SOC = soc
	}

	charge, _ := latestSeries(stats, "charge")
	discharge, _ := latestSeries(stats, "discharge")
	rec.ChargePowerW = max(0, charge)
	rec.DischargePowerW = max(0, discharge)
	rec.NetPowerW = types.NetPower(rec.ChargePowerW, rec.DischargePowerW)

	if wh, ok := floatValue(details, "available_energy"); ok {
		rec.AvailableEnergyWh = wh
	}
	if wh, ok := floatValue(details, "max_available_capacity", "total_capacity"); ok {
		rec.MaxCapacityWh = wh
	}
	if kwh, ok := floatValue(details, "last_24h_consumption"); ok {
		rec.Consumption24hKWH = kwh
	}
	if minutes, ok := floatValue(details, "estimated_time"); ok {
		rec.BackupTimeMinutes = int(minutes)
	}

	if totals := asMap(stats["totals"]); totals != nil {
		if wh, ok := floatValue(totals, "charge"); ok {
			rec.DailyChargedKWH = wh / 1000
		}
		if wh, ok := floatValue(totals, "discharge"); ok {
			rec.DailyDischargedKWH = wh / 1000
		}
	}

	if status, ok := stringValue(today, "siteStatus", "site_status"); ok {
		rec.Status = status
	}

	// settings first, today's embedded batteryConfig as fallback
	config := settings
	if len(config) == 0 {
		config = asMap(today["batteryConfig"])
	}
	if config != nil {
		if mode, ok := stringValue(config, modeKeys...); ok {
			rec.Mode = mode
		}
		if v, ok := floatValue(config, reserveKeys...); ok {
			rec.BackupReservePercent = v
		}
		if v, ok := floatValue(config, veryLowSOCKeys...); ok {
			rec.VeryLowSOCPercent = v
		}
		if v, ok := boolValue(config, chargeGridKeys...); ok {
			rec.ChargeFromGrid = v
		}
		if ctrl := asMap(config[dischargeGridCtrl]); ctrl != nil {
			rec.DischargeToGrid, _ = boolValue(ctrl, "enabled")
		}
		if ctrl := asMap(config[reserveDischCtrl]); ctrl != nil {
			rec.ReserveDischarge, _ = boolValue(ctrl, "enabled")
		}
	}

	return rec
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// firstMap returns v's first element when v is a non-empty list of objects,
// otherwise v itself when it is an object. The stats payload shows up both
// ways across API revisions.
func firstMap(v any) map[string]any {
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			return asMap(t[0])
		}
	case map[string]any:
		return t
	}
	return nil
}

// latestSeries returns the last non-null value of a time series under key.
// Trailing nulls are padding for timeslots that have not happened yet.
func latestSeries(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	series, ok := m[key].([]any)
	if !ok {
		return 0, false
	}
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] == nil {
			continue
		}
		if f, ok := toFloat(series[i]); ok {
			return f, true
		}
	}
	return 0, false
}

func floatValue(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func intValue(m map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			if i, ok := toInt(v); ok {
				return i, true
			}
		}
	}
	return 0, false
}

func stringValue(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func boolValue(m map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		if b, ok := m[key].(bool); ok {
			return b, true
		}
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		i, err := strconv.Atoi(t)
		return i, err == nil
	}
	return 0, false
}
