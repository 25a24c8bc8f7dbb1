package bq769x0

// checkStatus implements the debounced fault state machine. Callers
// hold d.mu.
//
// When no hardware event is pending and no fault is stored it returns
// immediately. Otherwise a fresh SYS_STAT read drives the transitions:
// a pending coulomb counter sample is consumed on the spot, active
// fault bits are re-evaluated once a second against their clear policy,
// and the stored fault state drops back to clean only when the read
// reports no active bits.
func (d *Device) checkStatus() (Fault, error) {
	if !d.alertPending && d.faultStatus == 0 {
		return 0, nil
	}

	stat, err := d.bus.ReadRegister(regSysStat)
	if err != nil {
		return d.faultStatus, err
	}

	// A new coulomb counter reading may be all the alert was about.
	if stat&statCCReadyBit != 0 {
		if err := d.updateCurrent(); err != nil {
			return d.faultStatus, err
		}
	}

	if stat&faultMask == 0 {
		d.faultStatus = 0
		return 0, nil
	}

	if d.alertPending {
		// Hardware signalled a new event: re-arm the per-fault timers.
		d.secSinceFault = 0
	}
	d.faultStatus = Fault(stat & faultMask)

	secSinceAlert := uint32(0)
	if elapsed := d.now().Sub(d.alertTimestamp); elapsed > 0 {
		sec := int64(elapsed.Seconds())
		if sec > int64(^uint32(0)) {
			sec = int64(^uint32(0))
		}
		secSinceAlert = uint32(sec)
	}

	// Resynchronize after a clock regression or a stalled update loop.
	delta := int64(secSinceAlert) - int64(d.secSinceFault)
	if delta > 2 || delta < -2 {
		d.secSinceFault = secSinceAlert
	}

	// Clear attempts run at most once per second.
	if secSinceAlert >= d.secSinceFault {
		if err := d.attemptFaultClears(); err != nil {
			return d.faultStatus, err
		}
		d.secSinceFault++
	}

	return d.faultStatus, nil
}

// attemptFaultClears issues a clear-write for each active fault bit
// whose policy allows it this second. Voltage faults are only cleared
// once a fresh voltage read shows the offending extremal cell back
// within its limit; cadence faults retry blind on their fixed period.
func (d *Device) attemptFaultClears() error {
	for _, policy := range faultPolicies {
		if d.faultStatus&policy.flag == 0 {
			continue
		}

		switch policy.flag {
		case FaultUndervoltage:
			if err := d.updateVoltages(); err != nil {
				return err
			}
			if d.cellVoltages[d.idCellMin] <= d.minCellVoltage {
				continue
			}
		case FaultOvervoltage:
			if err := d.updateVoltages(); err != nil {
				return err
			}
			if d.cellVoltages[d.idCellMax] >= d.maxCellVoltage {
				continue
			}
		default:
			if d.secSinceFault%policy.clearEverySec != 0 {
				continue
			}
		}

		log.Debugf("attempting to clear %s fault", policy.flag)
		if err := d.bus.WriteRegister(regSysStat, uint8(policy.flag)); err != nil {
			return err
		}
	}
	return nil
}
