package engine

import "time"

// Slot is the activation time of one virtual user relative to the start of
// the test.
type Slot struct {
	WorkerIndex int           `json:"workerIndex"`
	StartOffset time.Duration `json:"startOffset"`
}

// RampSchedule spreads virtualUsers activations evenly over [0, rampUp):
// worker i starts at i*rampUp/virtualUsers. A zero ramp-up or a single
// virtual user starts everything at offset zero.
func RampSchedule(virtualUsers int, rampUp time.Duration) []Slot {
	if virtualUsers <= 0 {
		return nil
	}
	slots := make([]Slot, virtualUsers)
	for i := range slots {
		slots[i].WorkerIndex = i
		if rampUp > 0 && virtualUsers > 1 {
			slots[i].StartOffset = time.Duration(int64(i) * int64(rampUp) / int64(virtualUsers))
		}
	}
	return slots
}
