package envoy

import (
	"time"

	"github.com/foXaCe/enphase-battery/pkg/types"
)

// Meter identities in the readings list. Meters carry a composite numeric
// id (eid); bits 8..15 encode the channel, so matching masks those bits
// instead of trusting the measurementType string, which older firmware
// omits.
const (
	eidChannelMask    = 0xFF00
	eidProduction     = 0x0100
	eidNetConsumption = 0x0200
	eidStorage        = 0x0300
)

// normalizeLocal maps the gateway endpoint payloads into the canonical
// record. Any of the inputs may be nil; missing inputs leave their fields at
// defaults.
func normalizeLocal(status map[string]any, meters, inventory []any, power, tariff map[string]any, now time.Time) *types.BatteryRecord {
	rec := &types.BatteryRecord{
		Timestamp: now,
		Source:    types.SourceLocal,
		SOH:       100,
		Status:    "unknown",
	}

	if status != nil {
		if soc, ok := numKey(status, "percentage"); ok {
			rec.SOC = soc
		}
		if state, ok := status["state"].(string); ok && state != "" {
			rec.Status = state
		}
		if wh, ok := numKey(status, "available_energy"); ok {
			rec.AvailableEnergyWh = wh
		}
		if wh, ok := numKey(status, "max_available_capacity"); ok {
			rec.MaxCapacityWh = wh
		}
	}

	production, consumption, storage := splitMeters(meters)

	// Net power three-tier fallback. Some firmware revisions zero out the
	// storage meter, and the ensemble power endpoint zeroes out on others,
	// so each tier only applies when the previous one read zero.
	netW := 0.0
	if storage != nil {
		netW, _ = numKey(storage, "activePower")
	}
	if netW == 0 && power != nil {
		netW = ensemblePowerWatts(power)
	}
	if netW == 0 && production != nil && consumption != nil {
		prodW, _ := numKey(production, "activePower")
		consW, _ := numKey(consumption, "activePower")
		netW = prodW - consW
	}
	rec.NetPowerW = netW
	rec.ChargePowerW, rec.DischargePowerW = types.PowerSplit(netW)

	if storage != nil {
		if wh, ok := numKey(storage, "actEnergyRcvd"); ok {
			rec.CumulativeChargedKWH = wh / 1000
		}
		if wh, ok := numKey(storage, "actEnergyDlvd"); ok {
			rec.CumulativeDischargedKWH = wh / 1000
		}
	}
	if consumption != nil {
		if wh, ok := numKey(consumption, "actEnergyDlvd"); ok {
			rec.CumulativeConsumptionKWH = wh / 1000
		}
	}

	applyInventory(rec, inventory)
	applyTariff(rec, tariff)

	return rec
}

// splitMeters picks the production, net-consumption and storage entries out
// of the readings list by eid channel bits.
func splitMeters(meters []any) (production, consumption, storage map[string]any) {
	for _, entry := range meters {
		meter, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		eid, ok := numKey(meter, "eid")
		if !ok {
			continue
		}
		switch int64(eid) & eidChannelMask {
		case eidProduction:
			production = meter
		case eidNetConsumption:
			consumption = meter
		case eidStorage:
			storage = meter
		}
	}
	return production, consumption, storage
}

// ensemblePowerWatts sums the per-device milliwatt readings. The payload
// key has a literal trailing colon on real firmware; the clean spelling is
// accepted too.
func ensemblePowerWatts(power map[string]any) float64 {
	devices, ok := power["devices:"].([]any)
	if !ok {
		devices, _ = power["devices"].([]any)
	}
	totalMW := 0.0
	for _, entry := range devices {
		device, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if mw, ok := numKey(device, "real_power_mw"); ok {
			totalMW += mw
		}
	}
	return totalMW / 1000
}

// applyInventory flattens the ENCHARGE device list into per-device records
// and derives the pack temperature as the device average.
func applyInventory(rec *types.BatteryRecord, inventory []any) {
	var tempSum float64
	var tempCount int

	for _, entry := range inventory {
		group, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		devices, _ := group["devices"].([]any)
		for _, d := range devices {
			device, ok := d.(map[string]any)
			if !ok {
				continue
			}
			serial, _ := device["serial_num"].(string)
			part, _ := device["part_num"].(string)
			firmware, _ := device["img_pnum_running"].(string)

			rd := types.BatteryDevice{
				Serial:     serial,
				PartNumber: part,
				Firmware:   firmware,
			}
			if temp, ok := numKey(device, "temperature"); ok {
				rd.TemperatureC = temp
				tempSum += temp
				tempCount++
			}
			rec.Devices = append(rec.Devices, rd)
		}
	}
	if tempCount > 0 {
		rec.TemperatureC = tempSum / float64(tempCount)
	}
}

// applyTariff reads the storage settings embedded in the tariff document.
func applyTariff(rec *types.BatteryRecord, tariff map[string]any) {
	doc, ok := tariff["tariff"].(map[string]any)
	if !ok {
		doc = tariff
	}
	settings, ok := doc["storage_settings"].(map[string]any)
	if !ok {
		return
	}
	if mode, ok := settings["mode"].(string); ok && mode != "" {
		rec.Mode = mode
	}
	if v, ok := numKey(settings, "reserved_soc"); ok {
		rec.BackupReservePercent = v
	}
	if v, ok := numKey(settings, "very_low_soc"); ok {
		rec.VeryLowSOCPercent = v
	}
	if v, ok := settings["charge_from_grid"].(bool); ok {
		rec.ChargeFromGrid = v
	}
}

func numKey(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
