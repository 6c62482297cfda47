// Package devices describes the supported ALi TFT panels.
package devices

import (
	"github.com/google/gousb"
)

// Kind identifies a panel variant.
type Kind string

const (
	// TFT35 is the 3.5" 320x320 panel found in AIO coolers.
	TFT35 Kind = "tft35"
)

func (k Kind) String() string {
	switch k {
	case TFT35:
		return "ALi TFT 3.5\""
	}
	return "UNKNOWN"
}

// Mass storage class identity the device enumerates with.
const (
	ClassMassStorage = 0x08
	SubclassSCSI     = 0x06
	ProtocolBOT      = 0x50
)

// Description ties USB identity to panel geometry.
type Description struct {
	VID, PID gousb.ID
	Kind     Kind
	// Width and Height are the panel dimensions in pixels.
	Width, Height int
}

var Descriptions = []Description{
	{
		VID:    0x0402,
		PID:    0x3922,
		Kind:   TFT35,
		Width:  320,
		Height: 320,
	},
}

// Default returns the description for the stock VID/PID.
func Default() Description {
	return Descriptions[0]
}

// Lookup finds a description by kind.
func Lookup(k Kind) (Description, bool) {
	for _, d := range Descriptions {
		if d.Kind == k {
			return d, true
		}
	}
	return Description{}, false
}
