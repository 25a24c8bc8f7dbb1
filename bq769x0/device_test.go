package bq769x0

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type regWrite struct {
	reg Register
	val uint8
}

// memBus is an in-memory RegisterBus, enough of the chip to exercise
// the driver: registers read back what was written, except SYS_STAT
// which is write-1-to-clear like the hardware.
type memBus struct {
	regs    map[Register]uint8
	writes  []regWrite
	failAll bool
}

func newMemBus() *memBus {
	return &memBus{regs: map[Register]uint8{}}
}

func (b *memBus) ReadRegister(reg Register) (uint8, error) {
	if b.failAll {
		return 0, fmt.Errorf("bus failure")
	}
	return b.regs[reg], nil
}

func (b *memBus) WriteRegister(reg Register, val uint8) error {
	if b.failAll {
		return fmt.Errorf("bus failure")
	}
	b.writes = append(b.writes, regWrite{reg, val})
	if reg == regSysStat {
		b.regs[reg] &^= val
	} else {
		b.regs[reg] = val
	}
	return nil
}

func (b *memBus) ReadBlock(reg Register, n int) ([]byte, error) {
	if b.failAll {
		return nil, fmt.Errorf("bus failure")
	}
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = b.regs[reg+Register(i)]
	}
	return buf, nil
}

func (b *memBus) setWord(reg Register, val uint16) {
	b.regs[reg] = uint8(val >> 8)
	b.regs[reg+1] = uint8(val)
}

func (b *memBus) wroteValue(reg Register, val uint8) bool {
	for _, w := range b.writes {
		if w.reg == reg && w.val == val {
			return true
		}
	}
	return false
}

// newTestDevice boots a BQ76920 against a memBus with zeroed
// calibration registers, giving gain 365 uV/LSB and offset 0 mV.
func newTestDevice(t *testing.T) (*Device, *memBus) {
	t.Helper()
	bus := newMemBus()
	d, err := New(bus, BQ76920)
	assert.NoError(t, err)
	bus.writes = nil
	return d, bus
}

func TestNewReadsCalibration(t *testing.T) {
	bus := newMemBus()
	bus.regs[regADCGain1] = 0x04
	bus.regs[regADCGain2] = 0xA0
	bus.regs[regADCOffset] = 0xFE

	d, err := New(bus, BQ76930)
	assert.NoError(t, err)
	assert.Equal(t, 378, d.adcGain)
	assert.Equal(t, -2, d.adcOffset)
	assert.Equal(t, 10, d.GetNumberOfCells())

	assert.True(t, bus.wroteValue(regCCCfg, ccCfgValue))
	assert.True(t, bus.wroteValue(regSysCtrl1, sysCtrl1ADCEnable|sysCtrl1TempSelExt))
	assert.True(t, bus.wroteValue(regSysCtrl2, sysCtrl2CCEnable))
}

func TestNewFailsOnHandshakeMismatch(t *testing.T) {
	bus := newMemBus()
	d, err := New(bus, Variant(42))
	assert.Error(t, err)
	assert.Nil(t, d)

	failing := newMemBus()
	failing.failAll = true
	d, err = New(failing, BQ76920)
	assert.Error(t, err)
	assert.Nil(t, d)
}

func TestVoltageConversionMonotonic(t *testing.T) {
	d, bus := newTestDevice(t)

	last := -1
	for raw := uint16(0); raw < 0x3FFF; raw += 97 {
		bus.setWord(regVC1Hi, raw)
		assert.NoError(t, d.Update())
		mv := d.GetCellVoltage(1)
		assert.LessOrEqual(t, last, mv, "conversion must not decrease (raw %d)", raw)
		last = mv
	}
}

func TestExtremalCellTracking(t *testing.T) {
	d, bus := newTestDevice(t)

	// Cell raws for roughly 3.7, 3.75, 3.8, 3.72 V and one disconnected
	// input reading zero.
	raws := []uint16{10137, 10274, 10411, 10192, 0}
	for i, raw := range raws {
		bus.setWord(regVC1Hi+Register(2*i), raw)
	}
	assert.NoError(t, d.Update())

	assert.Equal(t, 2, d.idCellMax)
	// The zero reading must not be taken as the minimum.
	assert.Equal(t, 0, d.idCellMin)
	assert.Equal(t, 4, d.GetNumberOfConnectedCells())
}

func TestCoulombIntegrationExact(t *testing.T) {
	d, bus := newTestDevice(t)
	d.SetShuntResistor(5.0)
	d.SetBatteryCapacity(45000)

	// 1000 LSB * 8.44 / 5 mOhm = 1688 mA, 422 mAs per 250 ms cycle.
	bus.setWord(regCCHi, 1000)

	const cycles = 8
	for i := 0; i < cycles; i++ {
		bus.regs[regSysStat] |= statCCReadyBit
		assert.NoError(t, d.Update())
	}

	assert.Equal(t, int64(cycles*422), d.coulombCounter)
	assert.Equal(t, 1688, d.GetBatteryCurrent())
	// CC_READY must be cleared after each consumed sample.
	assert.True(t, bus.wroteValue(regSysStat, statCCReadyBit))
}

func TestCurrentNotConsumedWithoutReadyFlag(t *testing.T) {
	d, bus := newTestDevice(t)
	d.SetShuntResistor(5.0)

	bus.setWord(regCCHi, 1000)
	assert.NoError(t, d.Update()) // CC_READY not set

	assert.Equal(t, 0, d.GetBatteryCurrent())
	assert.Equal(t, int64(0), d.coulombCounter)
}

func TestCurrentDeadBand(t *testing.T) {
	d, bus := newTestDevice(t)
	d.SetShuntResistor(5.0)

	// 5 LSB -> 8 mA, inside the dead-band.
	bus.setWord(regCCHi, 5)
	bus.regs[regSysStat] |= statCCReadyBit
	assert.NoError(t, d.Update())

	assert.Equal(t, 0, d.GetBatteryCurrent())
	// Integration happens before the dead-band is applied.
	assert.Equal(t, int64(2), d.coulombCounter)
}

func TestIdleTimestampFollowsCurrent(t *testing.T) {
	d, bus := newTestDevice(t)
	d.SetShuntResistor(5.0)
	d.SetIdleCurrentThreshold(30)

	t0 := time.Now()
	clock := t0
	d.now = func() time.Time { return clock }
	d.idleTimestamp = t0

	// Below the idle threshold: timestamp untouched.
	bus.setWord(regCCHi, 10) // 16 mA
	bus.regs[regSysStat] |= statCCReadyBit
	clock = t0.Add(time.Minute)
	assert.NoError(t, d.Update())
	assert.Equal(t, t0, d.idleTimestamp)

	// Above the threshold: timestamp reset to now.
	bus.setWord(regCCHi, 100) // 168 mA
	bus.regs[regSysStat] |= statCCReadyBit
	clock = t0.Add(2 * time.Minute)
	assert.NoError(t, d.Update())
	assert.Equal(t, clock, d.idleTimestamp)
}

func TestTemperatureConversion(t *testing.T) {
	d, bus := newTestDevice(t)

	// 4319 LSB -> 1650 mV -> 10k thermistor resistance, i.e. the Beta
	// reference point of 25 degC.
	bus.setWord(regTS1Hi, 4319)
	assert.NoError(t, d.Update())

	assert.InDelta(t, 25.0, d.GetTemperatureDegC(1), 0.3)
	assert.InDelta(t, 77.0, d.GetTemperatureDegF(1), 0.6)
}

func TestTemperatureInvalidChannel(t *testing.T) {
	d, _ := newTestDevice(t)

	assert.Equal(t, AbsoluteZeroC, d.GetTemperatureDegC(0))
	assert.Equal(t, AbsoluteZeroC, d.GetTemperatureDegC(2)) // BQ76920 has one channel
	assert.Equal(t, AbsoluteZeroC, d.GetTemperatureDegC(4))
}

func TestCellVoltageAccessorBounds(t *testing.T) {
	d, _ := newTestDevice(t)
	assert.Equal(t, 0, d.GetCellVoltage(0))
	assert.Equal(t, 0, d.GetCellVoltage(6))
}

func TestShutdownSequence(t *testing.T) {
	d, bus := newTestDevice(t)
	assert.NoError(t, d.Shutdown())

	var seq []uint8
	for _, w := range bus.writes {
		if w.reg == regSysCtrl1 {
			seq = append(seq, w.val)
		}
	}
	assert.Equal(t, []uint8{0x0, sysCtrl1ShutA, sysCtrl1ShutB}, seq)
}
