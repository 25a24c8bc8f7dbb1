/*
bms-controller - Battery management daemon for BQ769x0 front ends
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"bms-controller/bq769x0"
)

// bootDevice pulses the boot pin to wake the chip from SHIP mode.
func bootDevice(pinName string) error {
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return fmt.Errorf("failed to find boot pin '%s'", pinName)
	}
	log.Debugf("Booting device on pin '%s'", pinName)
	return bq769x0.Boot(pin)
}

// startAlertWatcher forwards rising edges on the ALERT pin to the
// device so a coulomb counter sample or fault is picked up on the next
// update cycle.
func startAlertWatcher(pinName string, dev *bq769x0.Device) error {
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return fmt.Errorf("failed to find alert pin '%s'", pinName)
	}
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return err
	}

	go func() {
		for {
			if !pin.WaitForEdge(-1) {
				continue
			}
			if pin.Read() == gpio.High {
				log.Debug("ALERT edge")
				dev.SetAlertInterruptFlag()
			}
		}
	}()
	return nil
}
