package bq769x0

import (
	"fmt"
	"sync"
	"time"

	"github.com/sigurn/crc8"
	"periph.io/x/conn/v3/i2c"
)

// RegisterBus is the register transaction gateway to the BQ769x0.
// Implementations are responsible for transaction integrity (CRC) and
// retrying until a consistent frame is seen or the attempt budget runs
// out.
type RegisterBus interface {
	ReadRegister(reg Register) (uint8, error)
	WriteRegister(reg Register, val uint8) error
	// ReadBlock reads n consecutive register bytes starting at reg in a
	// single transaction.
	ReadBlock(reg Register, n int) ([]byte, error)
}

const (
	// I2C addresses used across the BQ769x0 family.
	DefaultAddress     = 0x08
	AlternativeAddress = 0x18

	maxTxAttempts   = 5
	txRetryInterval = 10 * time.Millisecond
)

// CRC-8 with polynomial 0x07, as appended by CRC variants of the chip.
var crcTable = crc8.MakeTable(crc8.CRC8)

// I2CBus talks to the chip over I2C. CRC framing is optional since the
// family ships in CRC and non-CRC variants.
type I2CBus struct {
	mu   sync.Mutex
	dev  *i2c.Dev
	addr uint16
	crc  bool
}

func NewI2CBus(bus i2c.Bus, addr uint16, crc bool) *I2CBus {
	return &I2CBus{
		dev:  &i2c.Dev{Bus: bus, Addr: addr},
		addr: addr,
		crc:  crc,
	}
}

// WriteRegister writes one register byte. With CRC enabled the checksum
// covers the slave address (write bit), register address and data.
func (b *I2CBus) WriteRegister(reg Register, val uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	write := []byte{byte(reg), val}
	if b.crc {
		crc := crc8.Checksum([]byte{byte(b.addr << 1), byte(reg), val}, crcTable)
		write = append(write, crc)
	}
	return b.tx(write, nil)
}

// ReadRegister reads one register byte. With CRC enabled the checksum
// covers the slave address (read bit) and the data byte; a mismatching
// frame is re-read up to the attempt budget.
func (b *I2CBus) ReadRegister(reg Register) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.crc {
		read := make([]byte, 1)
		if err := b.tx([]byte{byte(reg)}, read); err != nil {
			return 0, err
		}
		return read[0], nil
	}

	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		read := make([]byte, 2)
		if err := b.tx([]byte{byte(reg)}, read); err != nil {
			return 0, err
		}
		crc := crc8.Checksum([]byte{byte(b.addr<<1) | 1, read[0]}, crcTable)
		if crc == read[1] {
			return read[0], nil
		}
		lastErr = fmt.Errorf("crc mismatch reading register 0x%02X: received 0x%02X, calculated 0x%02X", reg, read[1], crc)
	}
	return 0, lastErr
}

// ReadBlock reads n consecutive register bytes starting at reg. With CRC
// enabled the chip appends a checksum after every data byte: the first
// covers slave address and data, the rest cover the data byte alone.
func (b *I2CBus) ReadBlock(reg Register, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.crc {
		read := make([]byte, n)
		if err := b.tx([]byte{byte(reg)}, read); err != nil {
			return nil, err
		}
		return read, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		read := make([]byte, 2*n)
		if err := b.tx([]byte{byte(reg)}, read); err != nil {
			return nil, err
		}
		data, err := unpackCRCBlock(byte(b.addr<<1)|1, read)
		if err == nil {
			return data, nil
		}
		lastErr = fmt.Errorf("reading block at 0x%02X: %w", reg, err)
	}
	return nil, lastErr
}

func unpackCRCBlock(addrByte byte, frame []byte) ([]byte, error) {
	data := make([]byte, 0, len(frame)/2)
	for i := 0; i+1 < len(frame); i += 2 {
		var crc byte
		if i == 0 {
			crc = crc8.Checksum([]byte{addrByte, frame[0]}, crcTable)
		} else {
			crc = crc8.Checksum(frame[i:i+1], crcTable)
		}
		if crc != frame[i+1] {
			return nil, fmt.Errorf("crc mismatch at byte %d: received 0x%02X, calculated 0x%02X", i/2, frame[i+1], crc)
		}
		data = append(data, frame[i])
	}
	return data, nil
}

func (b *I2CBus) tx(write, read []byte) error {
	attempts := 0
	for {
		err := b.dev.Tx(write, read)
		if err == nil {
			return nil
		}
		attempts++
		if attempts >= maxTxAttempts {
			return err
		}
		time.Sleep(txRetryInterval)
	}
}
