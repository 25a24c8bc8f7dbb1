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
	"errors"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"

	"bms-controller/bq769x0"
)

const (
	dbusName = "org.bms.Controller"
	dbusPath = "/org/bms/Controller"
)

type service struct {
	dev *bq769x0.Device
}

func startService(dev *bq769x0.Device) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		dev: dev,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// PackVoltage returns the pack voltage in mV.
func (s service) PackVoltage() (int32, *dbus.Error) {
	return int32(s.dev.GetBatteryVoltage()), nil
}

// PackCurrent returns the pack current in mA, positive while charging.
func (s service) PackCurrent() (int32, *dbus.Error) {
	return int32(s.dev.GetBatteryCurrent()), nil
}

// CellVoltages returns all cell voltages in mV, cell 1 first.
func (s service) CellVoltages() ([]int32, *dbus.Error) {
	voltages := make([]int32, s.dev.GetNumberOfCells())
	for i := range voltages {
		voltages[i] = int32(s.dev.GetCellVoltage(i + 1))
	}
	return voltages, nil
}

// Temperature returns the thermistor reading of the given channel in
// degC.
func (s service) Temperature(channel int32) (float64, *dbus.Error) {
	return s.dev.GetTemperatureDegC(int(channel)), nil
}

// StateOfCharge returns the estimated state of charge in percent.
func (s service) StateOfCharge() (float64, *dbus.Error) {
	return s.dev.GetSOC(), nil
}

// FaultStatus returns the active fault bitmask, 0 when clean.
func (s service) FaultStatus() (uint8, *dbus.Error) {
	status, err := s.dev.CheckStatus()
	if err != nil {
		return 0, makeDbusError(".FaultStatus", err)
	}
	return uint8(status), nil
}

// BalancingStatus returns the active balancing switch mask, bit 0 for
// cell 1.
func (s service) BalancingStatus() (uint16, *dbus.Error) {
	return s.dev.GetBalancingStatus(), nil
}

// ResetSOC sets the state of charge to the given percentage.
func (s service) ResetSOC(percent int32) *dbus.Error {
	log.Infof("SOC reset to %d%% requested", percent)
	if err := s.dev.ResetSOCPercent(int(percent)); err != nil {
		return makeDbusError(".ResetSOC", err)
	}
	return nil
}

// ResetSOCFromOCV re-estimates the state of charge from the open
// circuit voltage table. Only meaningful while the pack is at rest.
func (s service) ResetSOCFromOCV() *dbus.Error {
	log.Info("SOC reset from OCV requested")
	if err := s.dev.ResetSOCFromOCV(); err != nil {
		return makeDbusError(".ResetSOCFromOCV", err)
	}
	return nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
