package telemetry

// resetInstruments drops cached instruments so the next record call binds
// to the current global MeterProvider.
func resetInstruments() {
	instMu.Lock()
	inst = nil
	instMu.Unlock()
}
