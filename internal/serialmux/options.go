package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// PortOptions are the UART line settings. Zero fields take the sensor's
// 8N1 framing and, for the baud rate, CLIBaudRate.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
	DataBits int    `json:"data_bits" yaml:"data_bits"`
	StopBits int    `json:"stop_bits" yaml:"stop_bits"`
	Parity   string `json:"parity" yaml:"parity"`
}

// parityNames maps accepted spellings to the one-letter form Normalize
// returns.
var parityNames = map[string]string{
	"N": "N", "NONE": "N",
	"E": "E", "EVEN": "E",
	"O": "O", "ODD": "O",
}

var parities = map[string]serial.Parity{
	"N": serial.NoParity,
	"E": serial.EvenParity,
	"O": serial.OddParity,
}

var stopBits = map[int]serial.StopBits{
	1: serial.OneStopBit,
	2: serial.TwoStopBits,
}

// Normalize fills in defaults and validates o. Parity comes back as N, E
// or O.
func (o PortOptions) Normalize() (PortOptions, error) {
	n := o
	if n.BaudRate <= 0 {
		n.BaudRate = CLIBaudRate
	}
	if n.DataBits == 0 {
		n.DataBits = 8
	}
	if n.DataBits < 5 || n.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if n.StopBits == 0 {
		n.StopBits = 1
	}
	if _, ok := stopBits[n.StopBits]; !ok {
		return o, fmt.Errorf("invalid stop bits %d: want 1 or 2", o.StopBits)
	}
	parity := strings.ToUpper(strings.TrimSpace(o.Parity))
	if parity == "" {
		parity = "N"
	}
	var ok bool
	if n.Parity, ok = parityNames[parity]; !ok {
		return o, fmt.Errorf("unsupported parity %q: want N, E or O", o.Parity)
	}
	return n, nil
}

// Equal reports whether o and other open the port the same way. Invalid
// options equal nothing.
func (o PortOptions) Equal(other PortOptions) bool {
	a, errA := o.Normalize()
	b, errB := other.Normalize()
	return errA == nil && errB == nil && a == b
}

// SerialMode converts o for serial.Open.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	return &serial.Mode{
		BaudRate: n.BaudRate,
		DataBits: n.DataBits,
		StopBits: stopBits[n.StopBits],
		Parity:   parities[n.Parity],
	}, nil
}
