package bq769x0

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// faultTestDevice sets up a device with a controllable clock and a
// pending alert raised at t0.
func faultTestDevice(t *testing.T) (*Device, *memBus, *time.Time) {
	t.Helper()
	d, bus := newTestDevice(t)

	t0 := time.Now()
	clock := t0
	d.now = func() time.Time { return clock }
	d.alertPending = true
	d.alertTimestamp = t0
	return d, bus, &clock
}

func setCellRaws(bus *memBus, mvValues []int) {
	// Inverse of the mV conversion at gain 365, offset 0.
	for i, mv := range mvValues {
		bus.setWord(regVC1Hi+Register(2*i), uint16(mv*1000/365))
	}
}

func TestCheckStatusCleanShortCircuit(t *testing.T) {
	d, bus := newTestDevice(t)
	bus.failAll = true // any bus traffic would error out

	status, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.Zero(t, status)
}

func TestCheckStatusReportsBitmask(t *testing.T) {
	d, bus, _ := faultTestDevice(t)
	bus.regs[regSysStat] = uint8(FaultUndervoltage | FaultOvercurrentDischarge)

	status, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.Equal(t, FaultUndervoltage|FaultOvercurrentDischarge, status)
}

func TestCheckStatusConsumesPendingCurrentReading(t *testing.T) {
	d, bus, _ := faultTestDevice(t)
	d.SetShuntResistor(5.0)
	bus.regs[regSysStat] = statCCReadyBit
	bus.setWord(regCCHi, 1000)

	status, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, 1688, d.GetBatteryCurrent())
	// No fault bits: the alert flag is released.
	assert.False(t, d.alertPending)
}

func TestUndervoltageFaultHeldWhileCondition(t *testing.T) {
	d, bus, clock := faultTestDevice(t)
	d.minCellVoltage = 2800
	bus.regs[regSysStat] = uint8(FaultUndervoltage)
	setCellRaws(bus, []int{2600, 3300, 3300, 3300, 3300})

	// Well past any cadence: the clear must still be withheld while the
	// minimum cell sits below the limit.
	*clock = clock.Add(10 * time.Minute)
	status, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.Equal(t, FaultUndervoltage, status)
	assert.False(t, bus.wroteValue(regSysStat, uint8(FaultUndervoltage)))

	// Voltage recovers: the next evaluation issues the clear-write.
	setCellRaws(bus, []int{2900, 3300, 3300, 3300, 3300})
	*clock = clock.Add(time.Second)
	_, err = d.CheckStatus()
	assert.NoError(t, err)
	assert.True(t, bus.wroteValue(regSysStat, uint8(FaultUndervoltage)))
}

func TestOvervoltageFaultHeldWhileCondition(t *testing.T) {
	d, bus, clock := faultTestDevice(t)
	d.maxCellVoltage = 4200
	bus.regs[regSysStat] = uint8(FaultOvervoltage)
	setCellRaws(bus, []int{3300, 3300, 4300, 3300, 3300})

	*clock = clock.Add(10 * time.Minute)
	_, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.False(t, bus.wroteValue(regSysStat, uint8(FaultOvervoltage)))

	setCellRaws(bus, []int{3300, 3300, 4100, 3300, 3300})
	*clock = clock.Add(time.Second)
	_, err = d.CheckStatus()
	assert.NoError(t, err)
	assert.True(t, bus.wroteValue(regSysStat, uint8(FaultOvervoltage)))
}

func TestShortCircuitClearCadence(t *testing.T) {
	d, bus, clock := faultTestDevice(t)
	bus.regs[regSysStat] = uint8(FaultShortCircuit)

	// 30 s since the event: not yet on the 60 s cadence.
	*clock = clock.Add(30 * time.Second)
	_, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.False(t, bus.wroteValue(regSysStat, uint8(FaultShortCircuit)))

	// 60 s: clear attempt goes out regardless of conditions.
	*clock = clock.Add(30 * time.Second)
	_, err = d.CheckStatus()
	assert.NoError(t, err)
	assert.True(t, bus.wroteValue(regSysStat, uint8(FaultShortCircuit)))
}

func TestFaultStateClearsOnCleanRead(t *testing.T) {
	d, bus, clock := faultTestDevice(t)
	bus.regs[regSysStat] = uint8(FaultOvercurrentDischarge)

	status, err := d.CheckStatus()
	assert.NoError(t, err)
	assert.Equal(t, FaultOvercurrentDischarge, status)

	// Hardware reports clean again.
	bus.regs[regSysStat] = 0
	d.alertPending = false
	*clock = clock.Add(time.Second)
	status, err = d.CheckStatus()
	assert.NoError(t, err)
	assert.Zero(t, status)

	// And stays clean without touching the bus.
	bus.failAll = true
	status, err = d.CheckStatus()
	assert.NoError(t, err)
	assert.Zero(t, status)
}

func TestFaultCounterResyncsOnClockRegression(t *testing.T) {
	d, bus, _ := faultTestDevice(t)
	bus.regs[regSysStat] = uint8(FaultShortCircuit)
	d.alertPending = false
	d.faultStatus = FaultShortCircuit
	d.secSinceFault = 500 // counter ran far ahead of the wall clock

	_, err := d.CheckStatus()
	assert.NoError(t, err)

	// Counter snapped back to the wall-clock derived value.
	assert.LessOrEqual(t, d.secSinceFault, uint32(3))
}
