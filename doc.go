// Package serial bridges an interactive console to a Linux serial port.
//
// It has three parts:
//   - ListPorts prints the serial ports the system knows about
//   - Open resolves a device path, opens it exclusively and configures it
//     for raw 8N1 operation at a fixed baud rate
//   - Relay copies bytes between the console and the port one at a time,
//     turning each outgoing line feed into CR LF, until its context is
//     cancelled
//
// The relay waits on both sources with poll(2) and never times out. A
// self-pipe in the same readiness set lets a cancelled context wake it, so
// an idle session can always be stopped.
//
// This package does **not** support Windows.
//
// Example usage:
//
//	port, err := serial.Open(serial.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: serial.DefaultBaudRate,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	if err := serial.NewRelay(port, os.Stdin, os.Stdout).Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package serial
