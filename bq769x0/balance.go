package bq769x0

// cellsPerGroup is the number of cells behind each CELLBAL register.
const cellsPerGroup = 5

// updateBalancingSwitches recomputes the passive balancing masks for
// the cycle. Callers hold d.mu.
//
// Balancing engages only when auto balancing is on, no fault is active,
// the pack has been idle long enough and both the absolute and
// differential voltage thresholds hold. The decision is stateless
// beyond the idle timer: each group's mask is rebuilt from scratch every
// cycle and written to its own register.
func (d *Device) updateBalancingSwitches() error {
	idle := d.now().Sub(d.idleTimestamp)
	if idle < 0 {
		// Clock went backwards; restart the idle measurement.
		d.idleTimestamp = d.now()
		idle = 0
	}

	groups := len(d.cellVoltages) / cellsPerGroup

	status, err := d.checkStatus()
	if err != nil {
		return err
	}

	allowed := d.autoBalancing &&
		status == 0 &&
		idle >= d.balancingMinIdle &&
		d.cellVoltages[d.idCellMax] >= d.balancingMinMV &&
		d.cellVoltages[d.idCellMax]-d.cellVoltages[d.idCellMin] >= d.balancingMaxDiffMV

	if !allowed {
		if d.balancingStatus > 0 {
			for group := 0; group < groups; group++ {
				if err := d.bus.WriteRegister(regCellBal1+Register(group), 0x0); err != nil {
					return err
				}
			}
			d.balancingStatus = 0
		}
		return nil
	}

	d.balancingStatus = 0
	minVoltage := d.cellVoltages[d.idCellMin]

	for group := 0; group < groups; group++ {
		mask := d.groupBalancingMask(group, minVoltage)
		d.balancingStatus |= uint16(mask) << (group * cellsPerGroup)

		if err := d.bus.WriteRegister(regCellBal1+Register(group), mask); err != nil {
			return err
		}
	}
	return nil
}

// groupBalancingMask selects the cells of one 5-cell group to discharge.
// Cells are considered in ascending index order; a cell joins the mask
// when it sits more than the configured differential above the global
// minimum, unless that would balance two physically adjacent cells at
// once. Acceptance order is the tie-break: an earlier accepted cell
// keeps its slot and the adjacent later candidate is skipped.
func (d *Device) groupBalancingMask(group, minVoltageMV int) uint8 {
	var mask uint8
	for i := 0; i < cellsPerGroup; i++ {
		if d.cellVoltages[group*cellsPerGroup+i]-minVoltageMV <= d.balancingMaxDiffMV {
			continue
		}

		target := mask | 1<<i
		adjacent := (target<<1)&mask != 0 || (mask<<1)&target != 0
		if !adjacent {
			mask = target
		}
	}
	return mask
}

// GetBalancingStatus returns the currently active balancing switches as
// one bitmask, bit n for cell index n across all groups.
func (d *Device) GetBalancingStatus() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balancingStatus
}
