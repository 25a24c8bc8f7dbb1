package bq769x0

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortCircuitProtectionRealizedValue(t *testing.T) {
	d, bus := newTestDevice(t)
	d.SetShuntResistor(5.0)

	// 20 A across 5 mOhm is 100 mV: largest table entry not above it is
	// 89 mV (code 2), realized back as 17.8 A.
	realized, err := d.SetShortCircuitProtection(20000, 200)
	assert.NoError(t, err)
	assert.Equal(t, 17800, realized)

	// RSNS=1, delay code 2 (200 us), threshold code 2.
	assert.True(t, bus.wroteValue(regProtect1, 0x80|2<<3|2))
}

func TestShortCircuitProtectionBelowTableFloors(t *testing.T) {
	d, _ := newTestDevice(t)
	d.SetShuntResistor(5.0)

	// Requests below the whole table land on code 0.
	realized, err := d.SetShortCircuitProtection(1000, 10)
	assert.NoError(t, err)
	assert.Equal(t, 44*1000/5, realized)
}

func TestOvercurrentDischargeProtection(t *testing.T) {
	d, bus := newTestDevice(t)
	d.SetShuntResistor(5.0)

	// 12 A across 5 mOhm is 60 mV: code 7 (56 mV), realized 11.2 A.
	realized, err := d.SetOvercurrentDischargeProtection(12000, 80)
	assert.NoError(t, err)
	assert.Equal(t, 11200, realized)

	// Delay code 3 (80 ms), threshold code 7.
	assert.True(t, bus.wroteValue(regProtect2, 3<<4|7))
}

func TestCurrentThresholdEncodingIdempotent(t *testing.T) {
	d, _ := newTestDevice(t)
	d.SetShuntResistor(5.0)

	// Requests that scale to exact table entries come back unchanged,
	// and re-encoding a realized value is a fixed point.
	for _, mv := range scdThresholdMV {
		request := mv * 1000 / 5
		realized, err := d.SetShortCircuitProtection(request, 70)
		assert.NoError(t, err)
		assert.Equal(t, request, realized)

		again, err := d.SetShortCircuitProtection(realized, 70)
		assert.NoError(t, err)
		assert.Equal(t, realized, again)
	}

	for _, mv := range ocdThresholdMV {
		request := mv * 1000 / 5
		realized, err := d.SetOvercurrentDischargeProtection(request, 8)
		assert.NoError(t, err)
		assert.Equal(t, request, realized)
	}
}

func TestProtectionRequiresShuntValue(t *testing.T) {
	d, _ := newTestDevice(t)

	_, err := d.SetShortCircuitProtection(20000, 70)
	assert.Error(t, err)
	_, err = d.SetOvercurrentDischargeProtection(10000, 8)
	assert.Error(t, err)
}

func TestUndervoltageProtectionRoundsUp(t *testing.T) {
	d, bus := newTestDevice(t)

	realized, err := d.SetCellUndervoltageProtection(2800, 4)
	assert.NoError(t, err)

	// Rounding the trip code up means the chip trips at or above the
	// requested voltage, never below it.
	assert.GreaterOrEqual(t, realized, 2800)
	assert.Less(t, realized, 2800+2*d.adcGain*16/1000+2)
	assert.Equal(t, 2800, d.minCellVoltage)

	// Delay code 1 (4 s) in PROTECT3 bits 6-7.
	assert.True(t, bus.wroteValue(regProtect3, 1<<protect3UVDelayPos))
}

func TestOvervoltageProtectionTruncatesDown(t *testing.T) {
	d, bus := newTestDevice(t)

	realized, err := d.SetCellOvervoltageProtection(4200, 2)
	assert.NoError(t, err)

	// Truncation biases the over-voltage trip below the request.
	assert.LessOrEqual(t, realized, 4200)
	assert.Greater(t, realized, 4200-d.adcGain*16/1000-2)
	assert.Equal(t, 4200, d.maxCellVoltage)

	// Delay code 1 (2 s) in PROTECT3 bits 4-5.
	assert.True(t, bus.wroteValue(regProtect3, 1<<protect3OVDelayPos))
}

func TestVoltageProtectionPreservesOtherDelayBits(t *testing.T) {
	d, bus := newTestDevice(t)

	_, err := d.SetCellUndervoltageProtection(2800, 16)
	assert.NoError(t, err)
	_, err = d.SetCellOvervoltageProtection(4200, 8)
	assert.NoError(t, err)

	// Both delay fields must survive in the shared register.
	assert.Equal(t, uint8(3<<protect3UVDelayPos|3<<protect3OVDelayPos), bus.regs[regProtect3])
}
