package bq769x0

import "fmt"

// NumOCVPoints is the expected breakpoint count of an OCV table: one
// voltage per 5% of SOC from 100% down to 0%.
const NumOCVPoints = 21

// SetOCV installs the open-circuit-voltage breakpoint table used for
// SOC resets. Values are in mV, ordered from full charge to empty and
// evenly spaced in SOC fraction. The ordering is validated since the
// interpolation depends on it.
func (d *Device) SetOCV(voltageVsSOC []int) error {
	if len(voltageVsSOC) != NumOCVPoints {
		return fmt.Errorf("OCV table needs %d points, got %d", NumOCVPoints, len(voltageVsSOC))
	}
	for i := 1; i < len(voltageVsSOC); i++ {
		if voltageVsSOC[i] >= voltageVsSOC[i-1] {
			return fmt.Errorf("OCV table must strictly decrease from full to empty (points %d and %d)", i-1, i)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ocv = append([]int(nil), voltageVsSOC...)
	return nil
}

// GetSOC returns the state of charge as a percentage of nominal
// capacity. The value is deliberately not clamped to [0, 100]: drift
// under measurement error is left visible for diagnostics.
func (d *Device) GetSOC() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.coulombCounter) / float64(d.nominalCapacity) * 100
}

// ResetSOCPercent sets the coulomb accumulator to the given percentage
// of nominal capacity. Values outside [0, 100] are rejected; use
// ResetSOCFromOCV for a voltage-based reset.
func (d *Device) ResetSOCPercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("SOC percent %d outside [0, 100]", percent)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.coulombCounter = int64(float64(d.nominalCapacity) * float64(percent) / 100.0)
	return nil
}

// ResetSOCFromOCV estimates the state of charge from the maximum cell
// voltage via the OCV table, scanning from the full-charge end. A
// voltage at or above the first breakpoint counts as 100%; anything
// below the table counts as empty; in between the accumulator is set by
// linear interpolation between the bracketing breakpoints. Only valid
// while the pack is at rest.
func (d *Device) ResetSOCFromOCV() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ocv) == 0 {
		return fmt.Errorf("no OCV table configured")
	}

	voltage := d.cellVoltages[d.idCellMax]
	d.coulombCounter = 0 // fully depleted unless a breakpoint matches

	n := len(d.ocv)
	for i := 0; i < n; i++ {
		if d.ocv[i] <= voltage {
			if i == 0 {
				d.coulombCounter = d.nominalCapacity
			} else {
				frac := float64(n-1-i) + float64(voltage-d.ocv[i])/float64(d.ocv[i-1]-d.ocv[i])
				d.coulombCounter = int64(float64(d.nominalCapacity) / float64(n-1) * frac)
			}
			return nil
		}
	}
	return nil
}
