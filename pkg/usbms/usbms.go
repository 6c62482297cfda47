// Package usbms implements the Bulk-Only Transport framing used by the ALi
// TFT device: 31-byte Command Block Wrappers going out, 13-byte Command
// Status Wrappers coming back. All multi-byte fields are little-endian.
package usbms

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// CBWSize is the exact length of an encoded Command Block Wrapper.
	CBWSize = 31
	// CSWSize is the exact length of an encoded Command Status Wrapper.
	CSWSize = 13
)

var (
	cbwSignature = [4]byte{'U', 'S', 'B', 'C'}
	cswSignature = [4]byte{'U', 'S', 'B', 'S'}
)

// Direction is the data phase direction of a command.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionOut
	DirectionIn
)

func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionOut:
		return "out"
	case DirectionIn:
		return "in"
	}
	return "INVL"
}

// Status is the bCSWStatus byte of a CSW.
type Status uint8

const (
	StatusGood       Status = 0
	StatusFailed     Status = 1
	StatusPhaseError Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusFailed:
		return "failed"
	case StatusPhaseError:
		return "phase error"
	}
	return fmt.Sprintf("unknown (%d)", uint8(s))
}

// CBW is a Command Block Wrapper before encoding. The LUN is always zero on
// this device and is not carried here.
type CBW struct {
	Tag            uint32
	TransferLength uint32
	Direction      Direction
	CDB            []byte
}

type cbwWire struct {
	Signature          [4]byte
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	Length             uint8
	CB                 [16]byte
}

// Encode serializes the CBW into its 31-byte wire form. CDBs shorter than 16
// bytes are zero-padded; the real length goes into bCBWCBLength.
func (c *CBW) Encode() ([]byte, error) {
	if len(c.CDB) < 1 || len(c.CDB) > 16 {
		return nil, fmt.Errorf("CDB length %d out of range 1..16", len(c.CDB))
	}
	var flags uint8
	if c.Direction == DirectionIn {
		flags = 1 << 7
	}
	w := cbwWire{
		Signature:          cbwSignature,
		Tag:                c.Tag,
		DataTransferLength: c.TransferLength,
		Flags:              flags,
		LUN:                0,
		Length:             uint8(len(c.CDB)),
	}
	copy(w.CB[:], c.CDB)
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, &w)
	return buf.Bytes(), nil
}

// DecodeCBW parses a 31-byte wire CBW. It is the inverse of Encode and is
// what a scripted device sitting on the other end of a mock pipe uses.
func DecodeCBW(raw []byte) (*CBW, error) {
	if len(raw) != CBWSize {
		return nil, fmt.Errorf("CBW is %d bytes, want %d", len(raw), CBWSize)
	}
	var w cbwWire
	binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w)
	if w.Signature != cbwSignature {
		return nil, fmt.Errorf("CBW signature invalid: %x", w.Signature)
	}
	if w.Length < 1 || w.Length > 16 {
		return nil, fmt.Errorf("CBW CDB length %d out of range 1..16", w.Length)
	}
	c := &CBW{
		Tag:            w.Tag,
		TransferLength: w.DataTransferLength,
		Direction:      DirectionNone,
		CDB:            append([]byte(nil), w.CB[:w.Length]...),
	}
	if w.DataTransferLength > 0 {
		if w.Flags&(1<<7) != 0 {
			c.Direction = DirectionIn
		} else {
			c.Direction = DirectionOut
		}
	}
	return c, nil
}

// CSW is a decoded Command Status Wrapper.
type CSW struct {
	Tag     uint32
	Residue uint32
	Status  Status
}

type cswWire struct {
	Signature   [4]byte
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// DecodeCSW parses a 13-byte wire CSW. Anything that is not exactly 13 bytes
// with the USBS signature is rejected.
func DecodeCSW(raw []byte) (CSW, error) {
	if len(raw) != CSWSize {
		return CSW{}, fmt.Errorf("CSW is %d bytes, want %d", len(raw), CSWSize)
	}
	var w cswWire
	binary.Read(bytes.NewReader(raw), binary.LittleEndian, &w)
	if w.Signature != cswSignature {
		return CSW{}, fmt.Errorf("CSW signature invalid: %x", w.Signature)
	}
	return CSW{Tag: w.Tag, Residue: w.DataResidue, Status: Status(w.Status)}, nil
}

// Encode serializes the CSW into its 13-byte wire form, for devices on the
// far side of a test pipe.
func (c CSW) Encode() []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, &cswWire{
		Signature:   cswSignature,
		Tag:         c.Tag,
		DataResidue: c.Residue,
		Status:      uint8(c.Status),
	})
	return buf.Bytes()
}
