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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"bms-controller/bq769x0"
)

const (
	readingsCSVFile = "/var/log/battery-readings.csv"
	maxCSVLines     = 20000

	// The chip produces a coulomb counter sample every 250 ms; the update
	// loop has to keep up with that cadence.
	updateInterval    = 250 * time.Millisecond
	csvInterval       = 30 * time.Second
	statusLogInterval = 5 * time.Minute
	gateRetryInterval = 5 * time.Second
)

var version = "No version provided"

var log = logrus.New()

type argSpec struct {
	ConfigFile string `arg:"-c,--config" default:"/etc/bms-controller.yaml" help:"Path to the YAML configuration file"`
	LogLevel   string `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	args := argSpec{}
	arg.MustParse(&args)
	return args
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)
	bq769x0.SetLogger(log)

	log.Info("Running version: ", version)

	conf, err := ParseConfigFile(args.ConfigFile)
	if err != nil {
		return err
	}
	variant, err := conf.DeviceVariant()
	if err != nil {
		return err
	}

	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %v", err)
	}

	if conf.BootPin != "" {
		if err := bootDevice(conf.BootPin); err != nil {
			return err
		}
	}

	bus, err := i2creg.Open(conf.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()

	dev, err := bq769x0.New(bq769x0.NewI2CBus(bus, conf.Address, conf.CRC), variant)
	if err != nil {
		return err
	}
	if err := applyConfig(dev, conf); err != nil {
		return err
	}

	// Seed the state of charge from the first voltage reading.
	if err := dev.Update(); err != nil {
		return err
	}
	if len(conf.Battery.OCV) > 0 {
		if err := dev.ResetSOCFromOCV(); err != nil {
			return err
		}
		log.Infof("SOC from OCV: %.1f%%", dev.GetSOC())
	}

	if conf.AlertPin != "" {
		if err := startAlertWatcher(conf.AlertPin, dev); err != nil {
			return err
		}
	}
	if err := startService(dev); err != nil {
		return err
	}

	// Limit the number of stored readings.
	if err := keepLastLines(readingsCSVFile, maxCSVLines); err != nil {
		return err
	}
	trimCSVTime := time.Now()

	lastCSVTime := time.Time{}
	lastStatusTime := time.Time{}
	lastGateTime := time.Time{}
	chargingOn := false
	dischargingOn := false
	var lastFault bq769x0.Fault

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := dev.Update(); err != nil {
			return err
		}
		status, err := dev.CheckStatus()
		if err != nil {
			return err
		}

		if status != lastFault {
			if status != 0 {
				log.Warnf("Fault active: %s", status)
			} else {
				log.Info("All faults cleared")
			}
			lastFault = status
		}

		if status != 0 {
			if chargingOn {
				if err := dev.DisableCharging(); err != nil {
					return err
				}
				chargingOn = false
			}
			if dischargingOn {
				if err := dev.DisableDischarging(); err != nil {
					return err
				}
				dischargingOn = false
			}
		} else if time.Since(lastGateTime) > gateRetryInterval {
			lastGateTime = time.Now()
			if !chargingOn {
				chargingOn, err = dev.EnableCharging()
				if err != nil {
					return err
				}
				if chargingOn {
					log.Info("Charging enabled")
				}
			}
			if !dischargingOn {
				dischargingOn, err = dev.EnableDischarging()
				if err != nil {
					return err
				}
				if dischargingOn {
					log.Info("Discharging enabled")
				}
			}
		}

		if time.Since(lastStatusTime) > statusLogInterval {
			log.Infof("Pack: %d mV, %d mA, SOC %.1f%%, cells %d-%d mV, balancing 0x%04X",
				dev.GetBatteryVoltage(), dev.GetBatteryCurrent(), dev.GetSOC(),
				dev.GetMinCellVoltage(), dev.GetMaxCellVoltage(), dev.GetBalancingStatus())
			lastStatusTime = time.Now()
		}

		if time.Since(lastCSVTime) > csvInterval {
			if err := appendReading(dev); err != nil {
				return err
			}
			lastCSVTime = time.Now()
		}

		if time.Since(trimCSVTime) > 24*time.Hour {
			if err := keepLastLines(readingsCSVFile, maxCSVLines); err != nil {
				return err
			}
			trimCSVTime = time.Now()
		}
	}
	return nil
}

func applyConfig(dev *bq769x0.Device, conf *Config) error {
	dev.SetShuntResistor(conf.Battery.ShuntResistorMilliOhm)
	dev.SetThermistorBeta(conf.Battery.ThermistorBeta)
	dev.SetBatteryCapacity(conf.Battery.CapacityMAh)
	dev.SetIdleCurrentThreshold(conf.Battery.IdleCurrentThresholdMA)
	dev.SetTemperatureLimits(
		conf.Temperature.MinDischargeC, conf.Temperature.MaxDischargeC,
		conf.Temperature.MinChargeC, conf.Temperature.MaxChargeC,
		conf.Temperature.HysteresisC)

	if len(conf.Battery.OCV) > 0 {
		if err := dev.SetOCV(conf.Battery.OCV); err != nil {
			return err
		}
	}

	scd, err := dev.SetShortCircuitProtection(conf.Protection.ShortCircuitMA, conf.Protection.ShortCircuitDelayUS)
	if err != nil {
		return err
	}
	ocd, err := dev.SetOvercurrentDischargeProtection(conf.Protection.OvercurrentMA, conf.Protection.OvercurrentDelayMS)
	if err != nil {
		return err
	}
	uv, err := dev.SetCellUndervoltageProtection(conf.Protection.UndervoltageMV, conf.Protection.UndervoltageDelayS)
	if err != nil {
		return err
	}
	ov, err := dev.SetCellOvervoltageProtection(conf.Protection.OvervoltageMV, conf.Protection.OvervoltageDelayS)
	if err != nil {
		return err
	}
	log.Infof("Protection: SCD %d mA, OCD %d mA, UV %d mV, OV %d mV", scd, ocd, uv, ov)

	dev.SetBalancingThresholds(
		time.Duration(conf.Balancing.MinIdleMinutes)*time.Minute,
		conf.Balancing.MinVoltageMV,
		conf.Balancing.MinDifferenceMV)
	if conf.Balancing.Auto {
		dev.EnableAutoBalancing()
	}
	return nil
}

func appendReading(dev *bq769x0.Device) error {
	file, err := os.OpenFile(readingsCSVFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("%s, %d, %d, %.1f, %d, %d, %.1f",
		time.Now().Format("2006-01-02 15:04:05"),
		dev.GetBatteryVoltage(), dev.GetBatteryCurrent(), dev.GetSOC(),
		dev.GetMinCellVoltage(), dev.GetMaxCellVoltage(), dev.GetTemperatureDegC(1))
	_, err = file.WriteString(line + "\n")
	if err != nil {
		return err
	}
	return file.Close()
}

// keepLastLines keeps the last `maxLines` lines of the specified file.
func keepLastLines(filePath string, maxLines int) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	tmpFile := filepath.Join(os.TempDir(), filepath.Base(filePath)+".tmp")
	err := os.Remove(tmpFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	commands := []string{"sh", "-c", fmt.Sprintf("tail -n %d %s > %s", maxLines, filePath, tmpFile)}
	cmd := exec.Command(commands[0], commands[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("err running '%s', %v, %v", strings.Join(commands, " "), string(out), err)
	}
	return os.Rename(tmpFile, filePath)
}
