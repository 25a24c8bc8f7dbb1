package bq769x0

// EnableCharging switches the charge path on, but only when no fault is
// active, the highest cell sits below the over-voltage limit and the
// temperature is inside the charge window. The decision is a pure
// predicate over the latest update cycle; freshness and debouncing live
// in the fault monitor and measurement pipeline. Returns whether the
// path was enabled.
func (d *Device) EnableCharging() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, err := d.checkStatus()
	if err != nil {
		return false, err
	}
	if status != 0 ||
		d.cellVoltages[d.idCellMax] >= d.maxCellVoltage ||
		d.tempChargeFault {
		return false, nil
	}

	sysCtrl2, err := d.bus.ReadRegister(regSysCtrl2)
	if err != nil {
		return false, err
	}
	if err := d.bus.WriteRegister(regSysCtrl2, sysCtrl2|sysCtrl2CHGOn); err != nil {
		return false, err
	}
	log.Debug("charge path enabled")
	return true, nil
}

// DisableCharging switches the charge path off.
func (d *Device) DisableCharging() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sysCtrl2, err := d.bus.ReadRegister(regSysCtrl2)
	if err != nil {
		return err
	}
	return d.bus.WriteRegister(regSysCtrl2, sysCtrl2&^uint8(sysCtrl2CHGOn))
}

// EnableDischarging switches the discharge path on when no fault is
// active, the lowest cell sits above the under-voltage limit and the
// temperature is inside the discharge window. Returns whether the path
// was enabled.
func (d *Device) EnableDischarging() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, err := d.checkStatus()
	if err != nil {
		return false, err
	}
	if status != 0 ||
		d.cellVoltages[d.idCellMin] <= d.minCellVoltage ||
		d.tempDischargeFault {
		return false, nil
	}

	sysCtrl2, err := d.bus.ReadRegister(regSysCtrl2)
	if err != nil {
		return false, err
	}
	if err := d.bus.WriteRegister(regSysCtrl2, sysCtrl2|sysCtrl2DSGOn); err != nil {
		return false, err
	}
	log.Debug("discharge path enabled")
	return true, nil
}

// DisableDischarging switches the discharge path off.
func (d *Device) DisableDischarging() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sysCtrl2, err := d.bus.ReadRegister(regSysCtrl2)
	if err != nil {
		return err
	}
	return d.bus.WriteRegister(regSysCtrl2, sysCtrl2&^uint8(sysCtrl2DSGOn))
}
