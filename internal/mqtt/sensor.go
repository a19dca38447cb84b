package mqtt

// SensorConfig contains sensor configuration for Home Assistant Discovery
type SensorConfig struct {
	// Basic parameters
	SensorID string // Unique sensor ID, the driver key
	Name     string // Display name

	// Units of measurement
	Unit string // °F, %, mV, dBm, ppm

	// Home Assistant parameters
	DeviceClass string // temperature, battery, signal_strength, etc.
	StateClass  string // measurement, total, total_increasing
	Icon        string // mdi icon (optional)

	// Device grouping
	DeviceInfo *DeviceInfo
}

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string // Unique device identifiers
	Name         string   // Device name
	Model        string   // Model
	Manufacturer string   // Manufacturer
}
