package bq769x0

// Register addresses for the BQ769x0 family. See the TI datasheet
// (SLUSBK2) for the full map; only registers the driver touches are
// listed here.
type Register uint8

const (
	regSysStat  Register = 0x00
	regCellBal1 Register = 0x01
	regCellBal2 Register = 0x02
	regCellBal3 Register = 0x03
	regSysCtrl1 Register = 0x04
	regSysCtrl2 Register = 0x05
	regProtect1 Register = 0x06
	regProtect2 Register = 0x07
	regProtect3 Register = 0x08
	regOVTrip   Register = 0x09
	regUVTrip   Register = 0x0A
	regCCCfg    Register = 0x0B
)

const (
	regVC1Hi Register = 0x0C
	regBatHi Register = 0x2A
	regBatLo Register = 0x2B
	regTS1Hi Register = 0x2C
	regTS2Hi Register = 0x2E
	regTS3Hi Register = 0x30
	regCCHi  Register = 0x32
	regCCLo  Register = 0x33
)

const (
	regADCGain1  Register = 0x50
	regADCOffset Register = 0x51
	regADCGain2  Register = 0x59
)

// SYS_CTRL1 bits.
const (
	sysCtrl1ADCEnable  = 1 << 4
	sysCtrl1TempSelExt = 1 << 3
	sysCtrl1ShutA      = 1 << 0
	sysCtrl1ShutB      = 1 << 1
)

// SYS_CTRL2 bits.
const (
	sysCtrl2CCEnable = 1 << 6
	sysCtrl2DSGOn    = 1 << 1
	sysCtrl2CHGOn    = 1 << 0
)

// ccCfgValue must be written to CC_CFG after boot, per datasheet.
const ccCfgValue = 0x19

// Fault identifies one of the SYS_STAT fault bits. The CC_READY bit
// (0x80) is not a fault and is handled separately.
type Fault uint8

const (
	FaultOvercurrentDischarge Fault = 1 << 0 // OCD
	FaultShortCircuit         Fault = 1 << 1 // SCD
	FaultOvervoltage          Fault = 1 << 2 // OV
	FaultUndervoltage         Fault = 1 << 3 // UV
	FaultOverrideAlert        Fault = 1 << 4 // OVRD_ALERT
	FaultDeviceNotReady       Fault = 1 << 5 // DEVICE_XREADY
)

const (
	faultMask      = 0x3F
	statCCReadyBit = 0x80
)

var faultNames = map[Fault]string{
	FaultOvercurrentDischarge: "OCD",
	FaultShortCircuit:         "SCD",
	FaultOvervoltage:          "OV",
	FaultUndervoltage:         "UV",
	FaultOverrideAlert:        "OVRD_ALERT",
	FaultDeviceNotReady:       "DEVICE_XREADY",
}

// String renders a fault bitmask, e.g. "UV|OCD".
func (f Fault) String() string {
	if f == 0 {
		return "NONE"
	}
	out := ""
	for _, policy := range faultPolicies {
		if f&policy.flag == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += faultNames[policy.flag]
	}
	if out == "" {
		return "UNKNOWN_FAULT"
	}
	return out
}

// faultPolicy describes how a fault bit may be cleared while it is
// active. clearEverySec of 0 means the clear is gated on the underlying
// condition having resolved (checked in code) rather than a fixed cadence.
type faultPolicy struct {
	flag          Fault
	clearEverySec uint32
}

// Clear cadences follow the datasheet recommendations: XREADY retried
// every few seconds, alert override every 10 s, short-circuit and
// overcurrent only once a minute. Voltage faults are condition gated.
var faultPolicies = []faultPolicy{
	{FaultDeviceNotReady, 3},
	{FaultOverrideAlert, 10},
	{FaultUndervoltage, 0},
	{FaultOvervoltage, 0},
	{FaultShortCircuit, 60},
	{FaultOvercurrentDischarge, 60},
}
