// Package icm20948 drives an ICM-20948 9-axis IMU over I2C: the gyroscope and
// accelerometer on the main die and the AK09916 magnetometer reached through
// the chip's I2C bypass.
package icm20948

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"compass-ng/internal/i2c"
)

var sleep = time.Sleep

const (
	addrDefault      = 0x68
	addrMagnetometer = 0x0C

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regUserCtrl   = 0x03
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regIntPinCfg  = 0x0F
	bitBypassEn   = 0x02
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D // accel then gyro, 12 bytes

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro250dps = 0x00
	fsAccel4g    = 0x02

	// AK09916.
	regMagWIA2  = 0x01
	magWIA2Val  = 0x09
	regMagST1   = 0x10 // ST1, HXL..HZH, TMPS, ST2
	bitMagDRDY  = 0x01
	bitMagHOFL  = 0x08
	regMagCNTL2 = 0x31
	magCont100  = 0x08
	regMagCNTL3 = 0x32
	bitMagSRST  = 0x01

	magScaleUT = 0.15
)

// Sample is one read in the gyroscope's frame.
type Sample struct {
	Time time.Time
	// Accel in g.
	Accel r3.Vector
	// Gyro in deg/s, right-handed.
	Gyro r3.Vector
	// Mag in µT. MagValid is false when no new measurement was ready or the
	// sensor overflowed.
	Mag      r3.Vector
	MagValid bool
}

type Device struct {
	imu regIO
	mag regIO

	curBank    byte
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

// MagnetometerAddress is the AK09916 address once bypass is enabled.
func MagnetometerAddress() uint16 { return addrMagnetometer }

// New probes the IMU at imu and, when mag is non-nil, enables the bypass
// and starts the magnetometer in continuous mode.
func New(imu, mag *i2c.Dev) (*Device, error) {
	if imu == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	if mag == nil {
		return newWithIO(imu, nil)
	}
	return newWithIO(imu, mag)
}

func newWithIO(imu, mag regIO) (*Device, error) {
	if imu == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{imu: imu, mag: mag, curBank: 0xFF}

	who, err := d.imu.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	if d.mag != nil {
		if err := d.initMag(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Device) HasMagnetometer() bool { return d != nil && d.mag != nil }

func (d *Device) init() error {
	if err := d.setBank(0); err != nil {
		return err
	}
	_ = d.imu.WriteReg(regIntEnable, 0x00)

	if err := d.imu.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)
	// Reset returns the chip to bank 0.
	d.curBank = 0

	// Wake with the auto-selected PLL clock.
	if err := d.imu.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	if err := d.setBank(bank2); err != nil {
		return err
	}
	// Output rate is 1125/(div+1) Hz; 50 Hz matches the browser sensors.
	div := byte(1125/50 - 1)
	_ = d.imu.WriteReg(regGyroSmplrt, div)
	_ = d.imu.WriteReg(regAccelSmplrt2, div)
	if err := d.imu.WriteReg(regGyroConfig, fsGyro250dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.imu.WriteReg(regAccelConfig, fsAccel4g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 4.0 / 32768.0
	d.scaleGyro = 250.0 / 32768.0
	return nil
}

func (d *Device) initMag() error {
	// The internal I2C master must be off for bypass to reach the pins.
	if err := d.imu.WriteReg(regUserCtrl, 0x00); err != nil {
		return fmt.Errorf("icm20948: user ctrl failed: %w", err)
	}
	if err := d.imu.WriteReg(regIntPinCfg, bitBypassEn); err != nil {
		return fmt.Errorf("icm20948: bypass enable failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	wia, err := d.mag.ReadRegU8(regMagWIA2)
	if err != nil {
		return fmt.Errorf("icm20948: magnetometer probe failed: %w", err)
	}
	if wia != magWIA2Val {
		return fmt.Errorf("icm20948: magnetometer id=0x%02X want 0x%02X", wia, magWIA2Val)
	}
	if err := d.mag.WriteReg(regMagCNTL3, bitMagSRST); err != nil {
		return fmt.Errorf("icm20948: magnetometer reset failed: %w", err)
	}
	sleep(10 * time.Millisecond)
	if err := d.mag.WriteReg(regMagCNTL2, magCont100); err != nil {
		return fmt.Errorf("icm20948: magnetometer mode failed: %w", err)
	}
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.imu.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	buf := make([]byte, 12)
	if err := d.imu.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	s := Sample{
		Time: time.Now(),
		Accel: r3.Vector{
			X: float64(be16(buf[0:])) * d.scaleAccel,
			Y: float64(be16(buf[2:])) * d.scaleAccel,
			Z: float64(be16(buf[4:])) * d.scaleAccel,
		},
		Gyro: r3.Vector{
			X: float64(be16(buf[6:])) * d.scaleGyro,
			Y: float64(be16(buf[8:])) * d.scaleGyro,
			Z: float64(be16(buf[10:])) * d.scaleGyro,
		},
	}
	if d.mag == nil {
		return s, nil
	}

	// ST2 must be read to release the data registers.
	mb := make([]byte, 9)
	if err := d.mag.ReadReg(regMagST1, mb); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read magnetometer failed: %w", err)
	}
	if mb[0]&bitMagDRDY == 0 || mb[8]&bitMagHOFL != 0 {
		return s, nil
	}
	// AK09916 Y and Z point opposite to the gyroscope axes.
	s.Mag = r3.Vector{
		X: float64(le16(mb[1:])) * magScaleUT,
		Y: -float64(le16(mb[3:])) * magScaleUT,
		Z: -float64(le16(mb[5:])) * magScaleUT,
	}
	s.MagValid = true
	return s, nil
}

func be16(b []byte) int16 { return int16(b[0])<<8 | int16(b[1]) }

func le16(b []byte) int16 { return int16(b[1])<<8 | int16(b[0]) }
