package bq769x0

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	log = l
}

// Variant selects the chip type, which fixes the series cell count and
// the number of thermistor channels.
type Variant int

const (
	BQ76920 Variant = iota + 1 // 5 cells
	BQ76930                    // 10 cells
	BQ76940                    // 15 cells
)

func (v Variant) CellCount() int {
	switch v {
	case BQ76920:
		return 5
	case BQ76930:
		return 10
	case BQ76940:
		return 15
	default:
		return 0
	}
}

func (v Variant) ThermistorCount() int {
	switch v {
	case BQ76920:
		return 1
	case BQ76930:
		return 2
	case BQ76940:
		return 3
	default:
		return 0
	}
}

func (v Variant) String() string {
	switch v {
	case BQ76920:
		return "bq76920"
	case BQ76930:
		return "bq76930"
	case BQ76940:
		return "bq76940"
	default:
		return "unknown"
	}
}

const (
	// Cell readings at or below this are treated as a disconnected input
	// and excluded from minimum-cell tracking.
	cellValidityFloorMV = 500

	// Readings with a magnitude below this are reported as zero to stop
	// ADC noise from drifting the coulomb counter.
	currentDeadBandMA = 10

	// AbsoluteZeroC is returned by temperature queries on an invalid
	// channel.
	AbsoluteZeroC = -273.15
)

// Device is one session with a BQ769x0 analog front-end. It owns all
// device state: calibration, measurements, fault bookkeeping and the
// balancing mask. Methods are safe for use from the update loop and a
// host service; all register traffic is serialized.
type Device struct {
	mu      sync.Mutex
	bus     RegisterBus
	variant Variant

	now func() time.Time

	// Calibration, read once during New.
	adcGain   int // uV/LSB
	adcOffset int // mV

	// Configuration.
	shuntResistorMOhm    float64
	thermistorBeta       int
	nominalCapacity      int64 // mAs
	ocv                  []int // mV, SOC 100% down to 0%, evenly spaced
	idleCurrentThreshold int   // mA

	// Temperature limits in 0.1 degC.
	minTempCharge    int
	maxTempCharge    int
	minTempDischarge int
	maxTempDischarge int
	tempHysteresis   int

	tempChargeFault    bool
	tempDischargeFault bool

	// Cell voltage limits in mV, taken from the protection setters.
	maxCellVoltage int
	minCellVoltage int

	// Measurements.
	cellVoltages []int // mV
	idCellMax    int
	idCellMin    int
	packVoltage  int   // mV
	packCurrent  int   // mA
	temperatures []int // 0.1 degC

	coulombCounter int64 // mAs

	// Balancing.
	autoBalancing      bool
	balancingStatus    uint16
	balancingMinIdle   time.Duration
	balancingMinMV     int
	balancingMaxDiffMV int
	idleTimestamp      time.Time

	// Fault bookkeeping.
	faultStatus   Fault
	secSinceFault uint32

	// Set from the host's ALERT interrupt context.
	alertPending   bool
	alertTimestamp time.Time
}

// New performs the communication handshake with the chip, switches the
// ADC and coulomb counter on and reads the factory ADC calibration. A
// failed handshake or calibration read is a hard error; no device is
// returned with default calibration.
func New(bus RegisterBus, variant Variant) (*Device, error) {
	if variant.CellCount() == 0 {
		return nil, fmt.Errorf("unknown device variant %d", variant)
	}

	d := &Device{
		bus:     bus,
		variant: variant,
		now:     time.Now,

		// Safe defaults, overridable through the setters.
		thermistorBeta:       3435, // Semitec 103AT-5
		idleCurrentThreshold: 30,
		balancingMinIdle:     30 * time.Minute,

		cellVoltages: make([]int, variant.CellCount()),
		temperatures: make([]int, variant.ThermistorCount()),
	}

	// Handshake: CC_CFG must read back the magic configuration value.
	if err := bus.WriteRegister(regCCCfg, ccCfgValue); err != nil {
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}
	val, err := bus.ReadRegister(regCCCfg)
	if err != nil {
		return nil, fmt.Errorf("handshake read failed: %w", err)
	}
	if val != ccCfgValue {
		return nil, fmt.Errorf("handshake failed: CC_CFG read 0x%02X, want 0x%02X", val, ccCfgValue)
	}

	// Switch external thermistor inputs and the ADC on, then enable the
	// coulomb counter.
	if err := bus.WriteRegister(regSysCtrl1, sysCtrl1ADCEnable|sysCtrl1TempSelExt); err != nil {
		return nil, err
	}
	if err := bus.WriteRegister(regSysCtrl2, sysCtrl2CCEnable); err != nil {
		return nil, err
	}

	if err := d.readCalibration(); err != nil {
		return nil, fmt.Errorf("reading ADC calibration: %w", err)
	}
	log.Debugf("%s calibration: gain %d uV/LSB, offset %d mV", variant, d.adcGain, d.adcOffset)

	d.idleTimestamp = d.now()
	return d, nil
}

func (d *Device) readCalibration() error {
	offset, err := d.bus.ReadRegister(regADCOffset)
	if err != nil {
		return err
	}
	gain1, err := d.bus.ReadRegister(regADCGain1)
	if err != nil {
		return err
	}
	gain2, err := d.bus.ReadRegister(regADCGain2)
	if err != nil {
		return err
	}

	d.adcOffset = int(int8(offset)) // two's complement, mV
	d.adcGain = 365 + int((gain1&0x0C)<<1|(gain2&0xE0)>>5)
	return nil
}

// Boot pulses the boot pin high to wake the chip from SHIP mode, then
// releases the pin so it does not disturb the TS1 measurement.
func Boot(pin gpio.PinIO) error {
	if err := pin.Out(gpio.High); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond) // datasheet: max 2 ms to latch
	if err := pin.In(gpio.Float, gpio.NoEdge); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond) // datasheet: max 10 ms to boot
	return nil
}

// Shutdown puts the chip into SHIP mode (switched off). The register
// write sequence is mandated by the datasheet.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, val := range []uint8{0x0, sysCtrl1ShutA, sysCtrl1ShutB} {
		if err := d.bus.WriteRegister(regSysCtrl1, val); err != nil {
			return err
		}
	}
	return nil
}

// Update runs one measurement cycle. It must be called at least once
// every 250 ms for the coulomb counting to stay aligned with the chip's
// own sample cadence.
func (d *Device) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.updateCurrent(); err != nil {
		return err
	}
	if err := d.updateVoltages(); err != nil {
		return err
	}
	if err := d.updateTemperatures(); err != nil {
		return err
	}
	return d.updateBalancingSwitches()
}

// SetAlertInterruptFlag records that the chip raised its ALERT line,
// meaning a new coulomb counter reading or a fault is pending. It is the
// host's interrupt hook and is safe to call concurrently with Update.
func (d *Device) SetAlertInterruptFlag() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alertPending = true
	d.alertTimestamp = d.now()
}

// CheckStatus returns 0 when the device is clean, or the raw fault
// bitmask otherwise. It is cheap to call at arbitrary cadence: when no
// hardware event is pending and no fault is stored it does not touch the
// bus.
func (d *Device) CheckStatus() (Fault, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkStatus()
}

// Variant returns the configured chip type.
func (d *Device) Variant() Variant {
	return d.variant
}

// SetShuntResistor sets the current sense resistor value in milliohm.
func (d *Device) SetShuntResistor(mOhm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shuntResistorMOhm = mOhm
}

// SetThermistorBeta sets the Beta constant (K) of the attached 10k
// thermistors.
func (d *Device) SetThermistorBeta(betaK int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thermistorBeta = betaK
}

// SetBatteryCapacity sets the nominal pack capacity in mAh.
func (d *Device) SetBatteryCapacity(capacityMAh int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nominalCapacity = capacityMAh * 3600 // mAs
}

// SetIdleCurrentThreshold sets the current magnitude in mA above which
// the pack is considered in use, resetting the balancing idle timer.
func (d *Device) SetIdleCurrentThreshold(currentMA int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleCurrentThreshold = currentMA
}

// SetTemperatureLimits sets the charge and discharge temperature windows
// in degC. hysteresis is the margin by which a reading must come back
// inside a window before the corresponding path is permitted again.
func (d *Device) SetTemperatureLimits(minDischargeC, maxDischargeC, minChargeC, maxChargeC, hysteresisC int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minTempDischarge = minDischargeC * 10
	d.maxTempDischarge = maxDischargeC * 10
	d.minTempCharge = minChargeC * 10
	d.maxTempCharge = maxChargeC * 10
	d.tempHysteresis = hysteresisC * 10
}

// SetBalancingThresholds configures when balancing may engage: minimum
// idle time, minimum absolute cell voltage and minimum cell voltage
// spread.
func (d *Device) SetBalancingThresholds(idleTime time.Duration, absVoltageMV, voltageDifferenceMV int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balancingMinIdle = idleTime
	d.balancingMinMV = absVoltageMV
	d.balancingMaxDiffMV = voltageDifferenceMV
}

// EnableAutoBalancing lets the update cycle drive the balancing
// switches whenever the pack is idle and the voltage conditions hold.
func (d *Device) EnableAutoBalancing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoBalancing = true
}

// DisableAutoBalancing stops automatic balancing; any active balancing
// outputs are cleared on the next update cycle.
func (d *Device) DisableAutoBalancing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoBalancing = false
}
