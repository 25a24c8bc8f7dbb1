package bq769x0

import "fmt"

// Hardware threshold tables, indexed by the register code. All are
// monotonically increasing; the encoders pick the largest code whose
// value does not exceed the request, so the realized limit never ends
// up looser than asked for. RSNS is always set, selecting the upper
// threshold range.
var (
	scdThresholdMV = []int{44, 67, 89, 111, 133, 155, 178, 200}
	scdDelayUS     = []int{70, 100, 200, 400}

	ocdThresholdMV = []int{17, 22, 28, 33, 39, 44, 50, 56, 61, 67, 72, 78, 83, 89, 94, 100}
	ocdDelayMS     = []int{8, 20, 40, 80, 160, 320, 640, 1280}

	uvDelayS = []int{1, 4, 8, 16}
	ovDelayS = []int{1, 2, 4, 8}
)

// PROTECT1 layout.
const (
	protect1RSNS        = 1 << 7
	protect1SCDDelayPos = 3
)

// PROTECT2 layout.
const protect2OCDDelayPos = 4

// PROTECT3 layout.
const (
	protect3UVDelayPos  = 6
	protect3UVDelayMask = 0xC0
	protect3OVDelayPos  = 4
	protect3OVDelayMask = 0x30
)

// encodeDescending returns the largest code whose table value is at
// most the requested value, or 0 when the request is below the whole
// table.
func encodeDescending(table []int, value float64) int {
	for i := len(table) - 1; i > 0; i-- {
		if value >= float64(table[i]) {
			return i
		}
	}
	return 0
}

// SetShortCircuitProtection programs the short-circuit discharge
// threshold and delay. The request is scaled through the shunt resistor
// to the chip's mV domain; the return value is the realized current
// limit in mA, recomputed from the selected code, which is usually
// coarser than the request.
func (d *Device) SetShortCircuitProtection(currentMA int, delayUS int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuntResistorMOhm <= 0 {
		return 0, fmt.Errorf("shunt resistor value not configured")
	}

	threshCode := encodeDescending(scdThresholdMV, float64(currentMA)*d.shuntResistorMOhm/1000)
	delayCode := encodeDescending(scdDelayUS, float64(delayUS))

	protect1 := uint8(protect1RSNS | delayCode<<protect1SCDDelayPos | threshCode)
	if err := d.bus.WriteRegister(regProtect1, protect1); err != nil {
		return 0, err
	}

	return int(float64(scdThresholdMV[threshCode]) * 1000 / d.shuntResistorMOhm), nil
}

// SetOvercurrentDischargeProtection programs the discharge overcurrent
// threshold and delay, returning the realized current limit in mA.
func (d *Device) SetOvercurrentDischargeProtection(currentMA int, delayMS int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shuntResistorMOhm <= 0 {
		return 0, fmt.Errorf("shunt resistor value not configured")
	}

	threshCode := encodeDescending(ocdThresholdMV, float64(currentMA)*d.shuntResistorMOhm/1000)
	delayCode := encodeDescending(ocdDelayMS, float64(delayMS))

	protect2 := uint8(delayCode<<protect2OCDDelayPos | threshCode)
	if err := d.bus.WriteRegister(regProtect2, protect2); err != nil {
		return 0, err
	}

	return int(float64(ocdThresholdMV[threshCode]) * 1000 / d.shuntResistorMOhm), nil
}

// SetCellUndervoltageProtection programs the cell under-voltage trip
// point and delay. The raw trip code is rounded up one LSB so the chip
// trips slightly early, biasing towards protection. Returns the
// realized trip voltage in mV.
func (d *Device) SetCellUndervoltageProtection(voltageMV int, delayS int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.minCellVoltage = voltageMV

	protect3, err := d.bus.ReadRegister(regProtect3)
	if err != nil {
		return 0, err
	}

	uvTrip := ((voltageMV-d.adcOffset)*1000/d.adcGain)>>4&0xFF + 1
	if err := d.bus.WriteRegister(regUVTrip, uint8(uvTrip)); err != nil {
		return 0, err
	}

	delayCode := encodeDescending(uvDelayS, float64(delayS))
	protect3 = protect3&^protect3UVDelayMask | uint8(delayCode<<protect3UVDelayPos)
	if err := d.bus.WriteRegister(regProtect3, protect3); err != nil {
		return 0, err
	}

	return (1<<12|uvTrip<<4)*d.adcGain/1000 + d.adcOffset, nil
}

// SetCellOvervoltageProtection programs the cell over-voltage trip
// point and delay. The raw trip code is truncated rather than rounded,
// which on this side also means tripping slightly early. Returns the
// realized trip voltage in mV.
func (d *Device) SetCellOvervoltageProtection(voltageMV int, delayS int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maxCellVoltage = voltageMV

	protect3, err := d.bus.ReadRegister(regProtect3)
	if err != nil {
		return 0, err
	}

	ovTrip := (voltageMV - d.adcOffset) * 1000 / d.adcGain >> 4 & 0xFF
	if err := d.bus.WriteRegister(regOVTrip, uint8(ovTrip)); err != nil {
		return 0, err
	}

	delayCode := encodeDescending(ovDelayS, float64(delayS))
	protect3 = protect3&^protect3OVDelayMask | uint8(delayCode<<protect3OVDelayPos)
	if err := d.bus.WriteRegister(regProtect3, protect3); err != nil {
		return 0, err
	}

	return (1<<13|ovTrip<<4)*d.adcGain/1000 + d.adcOffset, nil
}
