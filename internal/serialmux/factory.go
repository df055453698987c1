package serialmux

import (
	"go.bug.st/serial"

	"github.com/banshee-data/mmwave.dsp/internal/output"
)

// RealSerialPortFactory opens ports with go.bug.st/serial.
type RealSerialPortFactory struct{}

// Open opens the serial port at path.
func (RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewSerialMux[serial.Port](port), nil
}

// DataPort writes output packets to a serial port.
type DataPort struct {
	*output.PacketWriter
	port SerialPorter
}

// OpenDataPort opens the data UART at path through f. An unset baud rate
// selects DataBaudRate.
func OpenDataPort(f SerialPortFactory, path string, opts PortOptions) (*DataPort, error) {
	if opts.BaudRate <= 0 {
		opts.BaudRate = DataBaudRate
	}
	port, err := f.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewDataPort(port), nil
}

// NewDataPort starts a packet writer on port.
func NewDataPort(port SerialPorter) *DataPort {
	return &DataPort{PacketWriter: output.NewPacketWriter(port), port: port}
}

// Close drains the writer and closes the port.
func (d *DataPort) Close() error {
	d.PacketWriter.Close()
	return d.port.Close()
}
