package serialmux

import "io"

// SerialPorter is the part of a serial port the mux uses.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Default line rates of the sensor's two UARTs.
const (
	CLIBaudRate  = 115200
	DataBaudRate = 921600
)

// SerialPortFactory opens serial ports by device path.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}
