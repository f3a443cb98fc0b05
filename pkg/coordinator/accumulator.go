package coordinator

import (
	"time"

	"github.com/foXaCe/enphase-battery/pkg/types"
)

type consumptionSample struct {
	at    time.Time
	total float64
}

// accumulatorState carries the daily baselines and the rolling consumption
// history between ticks. It lives in memory only; after a restart the
// baselines re-snapshot on the first tick, so the daily figures start over.
type accumulatorState struct {
	resetDate          string
	chargedBaseline    float64
	dischargedBaseline float64
	history            []consumptionSample
}

const consumptionWindow = 24 * time.Hour

// accumulate folds the record's cumulative counters into the daily and
// rolling metrics and writes the derived fields back onto the record.
// Records without cumulative counters (the cloud payload reports daily
// figures directly) keep whatever the normalizer put there.
func (st *accumulatorState) accumulate(rec *types.BatteryRecord, now time.Time) {
	date := now.Format("2006-01-02")
	if st.resetDate != date {
		// boundary crossing: whichever tick first sees the new date
		// re-snapshots the baselines
		st.resetDate = date
		st.chargedBaseline = rec.CumulativeChargedKWH
		st.dischargedBaseline = rec.CumulativeDischargedKWH
	}

	if rec.CumulativeChargedKWH > 0 || rec.CumulativeDischargedKWH > 0 {
		rec.DailyChargedKWH = max(0, rec.CumulativeChargedKWH-st.chargedBaseline)
		rec.DailyDischargedKWH = max(0, rec.CumulativeDischargedKWH-st.dischargedBaseline)
	}

	if rec.CumulativeConsumptionKWH > 0 {
		st.history = append(st.history, consumptionSample{at: now, total: rec.CumulativeConsumptionKWH})
	}
	cutoff := now.Add(-consumptionWindow)
	for len(st.history) > 0 && st.history[0].at.Before(cutoff) {
		st.history = st.history[1:]
	}
	if len(st.history) >= 2 {
		rec.Consumption24hKWH = max(0, st.history[len(st.history)-1].total-st.history[0].total)
	}

	if minutes := st.backupTimeMinutes(rec); minutes > 0 {
		rec.BackupTimeMinutes = minutes
	}
}

// backupTimeMinutes estimates how long the available energy lasts: at the
// current discharge rate when discharging, else at the 24h average
// consumption rate. Every division short-circuits on a zero denominator.
func (st *accumulatorState) backupTimeMinutes(rec *types.BatteryRecord) int {
	if rec.AvailableEnergyWh <= 0 {
		return 0
	}
	if rec.DischargePowerW > 0 {
		return int(rec.AvailableEnergyWh / rec.DischargePowerW * 60)
	}
	if len(st.history) >= 2 {
		oldest, newest := st.history[0], st.history[len(st.history)-1]
		span := newest.at.Sub(oldest.at)
		deltaKWH := newest.total - oldest.total
		if span > 0 && deltaKWH > 0 {
			avgW := deltaKWH * 1000 / span.Hours()
			return int(rec.AvailableEnergyWh / avgW * 60)
		}
	}
	return 0
}
