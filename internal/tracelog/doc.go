// Package tracelog captures a machine-readable trace of the Kidoo BLE
// protocol: every frame written to or notified by the device, session and
// transaction state changes, and transaction failures.
//
// It is separate from operational logging (slog). A trace can be sent to the
// console through NewSlogAdapter, to a CBOR file through NewFileLogger, or to
// both through NewMultiLogger:
//
//	tracer := tracelog.NewMultiLogger(
//	    tracelog.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// Trace files are read back with NewReader; the kidoo CLI prints them with
// "kidoo trace FILE".
package tracelog
