package bq769x0

import (
	"math"
	"time"
)

// updateVoltages reads the pack voltage and all cell voltages in one
// block transaction, converts them through the ADC calibration and
// recomputes the extremal cell indices. The minimum index skips any cell
// reading at or below the validity floor so a disconnected input is not
// mistaken for the true minimum.
func (d *Device) updateVoltages() error {
	buf, err := d.bus.ReadBlock(regBatHi, 2)
	if err != nil {
		return err
	}
	batADC := int(buf[0])<<8 | int(buf[1])
	d.packVoltage = int(4.0*float64(d.adcGain)*float64(batADC)/1000.0) + 4*d.adcOffset

	cells, err := d.bus.ReadBlock(regVC1Hi, 2*len(d.cellVoltages))
	if err != nil {
		return err
	}

	d.idCellMax = 0
	d.idCellMin = 0
	for i := range d.cellVoltages {
		raw := int(cells[2*i]&0x3F)<<8 | int(cells[2*i+1])
		d.cellVoltages[i] = raw*d.adcGain/1000 + d.adcOffset

		if d.cellVoltages[i] > d.cellVoltages[d.idCellMax] {
			d.idCellMax = i
		}
		if d.cellVoltages[i] < d.cellVoltages[d.idCellMin] && d.cellVoltages[i] > cellValidityFloorMV {
			d.idCellMin = i
		}
	}
	return nil
}

// updateCurrent consumes a coulomb counter sample, but only when the
// chip flags one as ready; the 250 ms sample cadence belongs to the
// hardware and polling the ADC eagerly would just burn bus bandwidth.
// Consuming a sample integrates the coulomb accumulator, applies the
// noise dead-band and maintains the balancing idle timestamp.
func (d *Device) updateCurrent() error {
	stat, err := d.bus.ReadRegister(regSysStat)
	if err != nil {
		return err
	}
	if stat&statCCReadyBit == 0 {
		return nil
	}

	buf, err := d.bus.ReadBlock(regCCHi, 2)
	if err != nil {
		return err
	}
	adc := int16(uint16(buf[0])<<8 | uint16(buf[1]))
	current := int(float64(adc) * 8.44 / d.shuntResistorMOhm) // mA

	// One sample per 250 ms, so a quarter of the mA value in mAs.
	d.coulombCounter += int64(current / 4)

	if current > -currentDeadBandMA && current < currentDeadBandMA {
		current = 0
	}
	d.packCurrent = current

	if current > d.idleCurrentThreshold || current < -d.idleCurrentThreshold {
		d.idleTimestamp = d.now()
	}

	// The alert was only announcing this reading.
	if stat&faultMask == 0 {
		d.alertPending = false
	}

	return d.bus.WriteRegister(regSysStat, statCCReadyBit)
}

// updateTemperatures converts every thermistor channel through the
// resistor divider model and the Beta equation referenced to 25 degC.
func (d *Device) updateTemperatures() error {
	for ch := 0; ch < len(d.temperatures); ch++ {
		reg := regTS1Hi + Register(2*ch)
		buf, err := d.bus.ReadBlock(reg, 2)
		if err != nil {
			return err
		}
		adc := int(buf[0]&0x3F)<<8 | int(buf[1])

		vtsx := float64(adc) * 0.382                 // mV
		rts := 10000.0 * vtsx / (3300.0 - vtsx)      // ohm, 10k pullup to 3.3V
		kelvin := 1.0 / (1.0/(273.15+25.0) + math.Log(rts/10000.0)/float64(d.thermistorBeta))
		d.temperatures[ch] = int((kelvin - 273.15) * 10.0)
	}
	d.checkCellTemp()
	return nil
}

// checkCellTemp tracks whether the first thermistor is outside the
// charge or discharge window. A tripped flag only resets once the
// reading is back inside the window by the configured hysteresis.
func (d *Device) checkCellTemp() {
	t := d.temperatures[0]

	if d.tempChargeFault {
		if t < d.maxTempCharge-d.tempHysteresis && t > d.minTempCharge+d.tempHysteresis {
			d.tempChargeFault = false
		}
	} else if t >= d.maxTempCharge || t <= d.minTempCharge {
		d.tempChargeFault = true
	}

	if d.tempDischargeFault {
		if t < d.maxTempDischarge-d.tempHysteresis && t > d.minTempDischarge+d.tempHysteresis {
			d.tempDischargeFault = false
		}
	} else if t >= d.maxTempDischarge || t <= d.minTempDischarge {
		d.tempDischargeFault = true
	}
}

// GetBatteryVoltage returns the pack voltage in mV.
func (d *Device) GetBatteryVoltage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packVoltage
}

// GetBatteryCurrent returns the pack current in mA, positive while
// charging. Values inside the dead-band read as zero.
func (d *Device) GetBatteryCurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packCurrent
}

// GetCellVoltage returns the voltage of cell id (1-based, matching the
// physical cell position) in mV, or 0 for an id outside the stack.
func (d *Device) GetCellVoltage(id int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id < 1 || id > len(d.cellVoltages) {
		return 0
	}
	return d.cellVoltages[id-1]
}

// GetMinCellVoltage returns the lowest valid cell voltage in mV.
func (d *Device) GetMinCellVoltage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cellVoltages[d.idCellMin]
}

// GetMaxCellVoltage returns the highest cell voltage in mV.
func (d *Device) GetMaxCellVoltage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cellVoltages[d.idCellMax]
}

// GetAvgCellVoltage returns the pack voltage divided across the stack in
// mV.
func (d *Device) GetAvgCellVoltage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packVoltage / len(d.cellVoltages)
}

// GetNumberOfCells returns the series cell count of the chip variant.
func (d *Device) GetNumberOfCells() int {
	return d.variant.CellCount()
}

// GetNumberOfConnectedCells counts cells reading above the validity
// floor, i.e. inputs that actually have a cell wired to them.
func (d *Device) GetNumberOfConnectedCells() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	connected := 0
	for _, mv := range d.cellVoltages {
		if mv > cellValidityFloorMV {
			connected++
		}
	}
	return connected
}

// GetTemperatureDegC returns the temperature of the given thermistor
// channel (1-based) in degC, or absolute zero for a channel the variant
// does not have.
func (d *Device) GetTemperatureDegC(channel int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if channel < 1 || channel > len(d.temperatures) {
		return AbsoluteZeroC
	}
	return float64(d.temperatures[channel-1]) / 10.0
}

// GetTemperatureDegF returns the channel temperature in degF.
func (d *Device) GetTemperatureDegF(channel int) float64 {
	return d.GetTemperatureDegC(channel)*1.8 + 32
}

// IdleDuration reports how long the pack current has stayed below the
// idle threshold.
func (d *Device) IdleDuration() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Sub(d.idleTimestamp)
}
