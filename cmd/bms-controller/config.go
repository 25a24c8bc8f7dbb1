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
	"strings"

	"github.com/spf13/viper"

	"bms-controller/bq769x0"
)

type Config struct {
	Bus      string `mapstructure:"bus"`
	Address  uint16 `mapstructure:"address"`
	CRC      bool   `mapstructure:"crc"`
	Variant  string `mapstructure:"variant"`
	BootPin  string `mapstructure:"boot-pin"`
	AlertPin string `mapstructure:"alert-pin"`

	Battery     BatteryConfig     `mapstructure:"battery"`
	Temperature TemperatureConfig `mapstructure:"temperature"`
	Balancing   BalancingConfig   `mapstructure:"balancing"`
	Protection  ProtectionConfig  `mapstructure:"protection"`
}

type BatteryConfig struct {
	ShuntResistorMilliOhm  float64 `mapstructure:"shunt-resistor-milliohm"`
	ThermistorBeta         int     `mapstructure:"thermistor-beta"`
	CapacityMAh            int64   `mapstructure:"capacity-mah"`
	IdleCurrentThresholdMA int     `mapstructure:"idle-current-threshold-ma"`
	// Open circuit voltages in mV from 100% down to 0% SOC, evenly
	// spaced. Leave empty to skip OCV seeding of the coulomb counter.
	OCV []int `mapstructure:"ocv"`
}

type TemperatureConfig struct {
	MinDischargeC int `mapstructure:"min-discharge"`
	MaxDischargeC int `mapstructure:"max-discharge"`
	MinChargeC    int `mapstructure:"min-charge"`
	MaxChargeC    int `mapstructure:"max-charge"`
	HysteresisC   int `mapstructure:"hysteresis"`
}

type BalancingConfig struct {
	Auto            bool `mapstructure:"auto"`
	MinIdleMinutes  int  `mapstructure:"min-idle-minutes"`
	MinVoltageMV    int  `mapstructure:"min-voltage-mv"`
	MinDifferenceMV int  `mapstructure:"min-difference-mv"`
}

type ProtectionConfig struct {
	ShortCircuitMA      int `mapstructure:"short-circuit-ma"`
	ShortCircuitDelayUS int `mapstructure:"short-circuit-delay-us"`
	OvercurrentMA       int `mapstructure:"overcurrent-ma"`
	OvercurrentDelayMS  int `mapstructure:"overcurrent-delay-ms"`
	UndervoltageMV      int `mapstructure:"undervoltage-mv"`
	UndervoltageDelayS  int `mapstructure:"undervoltage-delay-s"`
	OvervoltageMV       int `mapstructure:"overvoltage-mv"`
	OvervoltageDelayS   int `mapstructure:"overvoltage-delay-s"`
}

// DeviceVariant maps the configured chip name to its variant.
func (c *Config) DeviceVariant() (bq769x0.Variant, error) {
	switch strings.ToLower(c.Variant) {
	case "bq76920":
		return bq769x0.BQ76920, nil
	case "bq76930":
		return bq769x0.BQ76930, nil
	case "bq76940":
		return bq769x0.BQ76940, nil
	}
	return 0, fmt.Errorf("unknown device variant '%s'", c.Variant)
}

// ParseConfigFile reads and validates the YAML configuration.
func ParseConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config '%s': %w", path, err)
	}
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parsing config '%s': %w", path, err)
	}

	if _, err := conf.DeviceVariant(); err != nil {
		return nil, err
	}
	if conf.Battery.ShuntResistorMilliOhm <= 0 {
		return nil, fmt.Errorf("battery.shunt-resistor-milliohm must be positive, got %v", conf.Battery.ShuntResistorMilliOhm)
	}
	if conf.Battery.CapacityMAh <= 0 {
		return nil, fmt.Errorf("battery.capacity-mah must be positive, got %d", conf.Battery.CapacityMAh)
	}
	return conf, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", bq769x0.DefaultAddress)
	v.SetDefault("crc", true)
	v.SetDefault("variant", "bq76920")

	v.SetDefault("battery.thermistor-beta", 3435)
	v.SetDefault("battery.idle-current-threshold-ma", 30)

	v.SetDefault("temperature.min-discharge", -20)
	v.SetDefault("temperature.max-discharge", 60)
	v.SetDefault("temperature.min-charge", 0)
	v.SetDefault("temperature.max-charge", 45)
	v.SetDefault("temperature.hysteresis", 2)

	v.SetDefault("balancing.auto", true)
	v.SetDefault("balancing.min-idle-minutes", 30)
	v.SetDefault("balancing.min-voltage-mv", 3200)
	v.SetDefault("balancing.min-difference-mv", 20)

	v.SetDefault("protection.short-circuit-ma", 40000)
	v.SetDefault("protection.short-circuit-delay-us", 100)
	v.SetDefault("protection.overcurrent-ma", 15000)
	v.SetDefault("protection.overcurrent-delay-ms", 160)
	v.SetDefault("protection.undervoltage-mv", 2800)
	v.SetDefault("protection.undervoltage-delay-s", 4)
	v.SetDefault("protection.overvoltage-mv", 4200)
	v.SetDefault("protection.overvoltage-delay-s", 2)
}
