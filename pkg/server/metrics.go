package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foXaCe/enphase-battery/pkg/types"
)

// batteryCollector exposes the latest record as Prometheus metrics. It
// reads whatever the refresh loop last published; scrapes never trigger
// upstream calls.
type batteryCollector struct {
	latest func() *types.BatteryRecord

	soc             *prometheus.Desc
	netPower        *prometheus.Desc
	chargePower     *prometheus.Desc
	dischargePower  *prometheus.Desc
	availableEnergy *prometheus.Desc
	maxCapacity     *prometheus.Desc
	soh             *prometheus.Desc
	temperature     *prometheus.Desc
	backupReserve   *prometheus.Desc
	veryLowSOC      *prometheus.Desc
	dailyCharged    *prometheus.Desc
	dailyDischarged *prometheus.Desc
	consumption24h  *prometheus.Desc
	backupTime      *prometheus.Desc
	up              *prometheus.Desc
}

func newBatteryCollector(latest func() *types.BatteryRecord) *batteryCollector {
	labels := []string{"source"}
	return &batteryCollector{
		latest: latest,
		soc: prometheus.NewDesc(
			"enphase_battery_soc_percent",
			"Battery state of charge",
			labels, nil,
		),
		netPower: prometheus.NewDesc(
			"enphase_battery_net_power_watts",
			"Net battery power (negative=charging, positive=discharging)",
			labels, nil,
		),
		chargePower: prometheus.NewDesc(
			"enphase_battery_charge_power_watts",
			"Current charge power",
			labels, nil,
		),
		dischargePower: prometheus.NewDesc(
			"enphase_battery_discharge_power_watts",
			"Current discharge power",
			labels, nil,
		),
		availableEnergy: prometheus.NewDesc(
			"enphase_battery_available_energy_wh",
			"Energy currently stored",
			labels, nil,
		),
		maxCapacity: prometheus.NewDesc(
			"enphase_battery_max_capacity_wh",
			"Maximum battery capacity",
			labels, nil,
		),
		soh: prometheus.NewDesc(
			"enphase_battery_soh_percent",
			"Battery state of health",
			labels, nil,
		),
		temperature: prometheus.NewDesc(
			"enphase_battery_temperature_celsius",
			"Average battery pack temperature",
			labels, nil,
		),
		backupReserve: prometheus.NewDesc(
			"enphase_battery_backup_reserve_percent",
			"Configured backup reserve",
			labels, nil,
		),
		veryLowSOC: prometheus.NewDesc(
			"enphase_battery_very_low_soc_percent",
			"Configured minimum discharge threshold",
			labels, nil,
		),
		dailyCharged: prometheus.NewDesc(
			"enphase_battery_daily_charged_kwh",
			"Energy charged since local midnight",
			labels, nil,
		),
		dailyDischarged: prometheus.NewDesc(
			"enphase_battery_daily_discharged_kwh",
			"Energy discharged since local midnight",
			labels, nil,
		),
		consumption24h: prometheus.NewDesc(
			"enphase_battery_consumption_24h_kwh",
			"Household consumption over the trailing 24 hours",
			labels, nil,
		),
		backupTime: prometheus.NewDesc(
			"enphase_battery_backup_time_minutes",
			"Estimated backup runtime",
			labels, nil,
		),
		up: prometheus.NewDesc(
			"enphase_battery_up",
			"Whether at least one refresh has succeeded",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *batteryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.soc
	ch <- c.netPower
	ch <- c.chargePower
	ch <- c.dischargePower
	ch <- c.availableEnergy
	ch <- c.maxCapacity
	ch <- c.soh
	ch <- c.temperature
	ch <- c.backupReserve
	ch <- c.veryLowSOC
	ch <- c.dailyCharged
	ch <- c.dailyDischarged
	ch <- c.consumption24h
	ch <- c.backupTime
	ch <- c.up
}

// Collect implements prometheus.Collector
func (c *batteryCollector) Collect(ch chan<- prometheus.Metric) {
	rec := c.latest()
	if rec == nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	source := string(rec.Source)
	ch <- prometheus.MustNewConstMetric(c.soc, prometheus.GaugeValue, rec.SOC, source)
	ch <- prometheus.MustNewConstMetric(c.netPower, prometheus.GaugeValue, rec.NetPowerW, source)
	ch <- prometheus.MustNewConstMetric(c.chargePower, prometheus.GaugeValue, rec.ChargePowerW, source)
	ch <- prometheus.MustNewConstMetric(c.dischargePower, prometheus.GaugeValue, rec.DischargePowerW, source)
	ch <- prometheus.MustNewConstMetric(c.availableEnergy, prometheus.GaugeValue, rec.AvailableEnergyWh, source)
	ch <- prometheus.MustNewConstMetric(c.maxCapacity, prometheus.GaugeValue, rec.MaxCapacityWh, source)
	ch <- prometheus.MustNewConstMetric(c.soh, prometheus.GaugeValue, rec.SOH, source)
	ch <- prometheus.MustNewConstMetric(c.temperature, prometheus.GaugeValue, rec.TemperatureC, source)
	ch <- prometheus.MustNewConstMetric(c.backupReserve, prometheus.GaugeValue, rec.BackupReservePercent, source)
	ch <- prometheus.MustNewConstMetric(c.veryLowSOC, prometheus.GaugeValue, rec.VeryLowSOCPercent, source)
	ch <- prometheus.MustNewConstMetric(c.dailyCharged, prometheus.GaugeValue, rec.DailyChargedKWH, source)
	ch <- prometheus.MustNewConstMetric(c.dailyDischarged, prometheus.GaugeValue, rec.DailyDischargedKWH, source)
	ch <- prometheus.MustNewConstMetric(c.consumption24h, prometheus.GaugeValue, rec.Consumption24hKWH, source)
	ch <- prometheus.MustNewConstMetric(c.backupTime, prometheus.GaugeValue, float64(rec.BackupTimeMinutes), source)
}
