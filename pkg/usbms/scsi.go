package usbms

// Command is a fully described SCSI exchange: the CDB plus the data phase it
// implies. Exactly one of Data / InLength is meaningful, depending on
// Direction.
type Command struct {
	CDB       []byte
	Direction Direction
	// Data is the host-to-device payload when Direction is DirectionOut.
	Data []byte
	// InLength is the expected device-to-host length when Direction is
	// DirectionIn.
	InLength int
}

// TransferLength returns the dCBWDataTransferLength this command needs.
func (c Command) TransferLength() uint32 {
	switch c.Direction {
	case DirectionOut:
		return uint32(len(c.Data))
	case DirectionIn:
		return uint32(c.InLength)
	}
	return 0
}

// TestUnitReady builds the 6-byte TEST UNIT READY command, the transport's
// keep-alive probe.
func TestUnitReady() Command {
	return Command{
		CDB:       []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		Direction: DirectionNone,
	}
}

// RequestSense builds REQUEST SENSE asking for n bytes of sense data.
func RequestSense(n uint8) Command {
	return Command{
		CDB:       []byte{0x03, 0x00, 0x00, 0x00, n, 0x00},
		Direction: DirectionIn,
		InLength:  int(n),
	}
}

// Inquiry builds INQUIRY with the given allocation length.
func Inquiry(n uint8) Command {
	return Command{
		CDB:       []byte{0x12, 0x00, 0x00, 0x00, n, 0x00},
		Direction: DirectionIn,
		InLength:  int(n),
	}
}

// Vendor 0xF5 subcommands understood by the display controller.
const (
	VendorOp uint8 = 0xF5

	SubReset       uint8 = 0x00
	SubInit        uint8 = 0x01
	SubAnimation   uint8 = 0x10
	SubSetMode     uint8 = 0x20
	SubGetStatus   uint8 = 0x30
	SubClearScreen uint8 = 0xA0
	SubDisplay     uint8 = 0xB0
)

// vendorCDB builds the 12-byte 0xF5 CDB skeleton: opcode, subcommand, ten
// bytes of padding.
func vendorCDB(sub uint8) []byte {
	cdb := make([]byte, 12)
	cdb[0] = VendorOp
	cdb[1] = sub
	return cdb
}

// VendorReset builds the F5 00 controller reset command.
func VendorReset() Command {
	return Command{CDB: vendorCDB(SubReset), Direction: DirectionNone}
}

// VendorInit builds the F5 01 display init command.
func VendorInit() Command {
	return Command{CDB: vendorCDB(SubInit), Direction: DirectionNone}
}

// VendorAnimation builds the F5 10 animation control command. The one-byte
// payload selects whether the built-in boot animation runs.
func VendorAnimation(on bool) Command {
	var b byte
	if on {
		b = 1
	}
	return Command{
		CDB:       vendorCDB(SubAnimation),
		Direction: DirectionOut,
		Data:      []byte{b},
	}
}

// VendorSetMode builds the F5 20 set mode command. Mode 5 is the only mode
// observed to enable direct framebuffer access.
func VendorSetMode(mode uint8) Command {
	return Command{
		CDB:       vendorCDB(SubSetMode),
		Direction: DirectionOut,
		Data:      []byte{mode, 0x00, 0x00, 0x00},
	}
}

// VendorGetStatus builds the F5 30 status query, returning 8 bytes.
func VendorGetStatus() Command {
	return Command{
		CDB:       vendorCDB(SubGetStatus),
		Direction: DirectionIn,
		InLength:  8,
	}
}

// VendorClearScreen builds the F5 A0 clear screen command.
func VendorClearScreen() Command {
	return Command{CDB: vendorCDB(SubClearScreen), Direction: DirectionNone}
}

// VendorDisplayImage builds the F5 B0 display image command. The payload is
// a 10-byte header followed by RGB565 pixel data; callers assemble it (the
// header's coordinate fields are big-endian, unlike the CBW itself).
func VendorDisplayImage(payload []byte) Command {
	return Command{
		CDB:       vendorCDB(SubDisplay),
		Direction: DirectionOut,
		Data:      payload,
	}
}
