package host

import (
	"phinbridge/internal/controller"
	"phinbridge/internal/mqtt"
)

// Driver describes one published data point.
type Driver struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// Drivers is the node profile in display order.
var Drivers = []Driver{
	{Key: controller.DriverStatus, Name: "Status", Icon: "mdi:power"},
	{Key: controller.DriverTemperature, Name: "Water Temperature", Unit: "°F", DeviceClass: "temperature"},
	{Key: controller.DriverPH, Name: "pH", Icon: "mdi:ph"},
	{Key: controller.DriverPHStatus, Name: "pH Status", Icon: "mdi:list-status"},
	{Key: controller.DriverORP, Name: "ORP", Unit: "mV", Icon: "mdi:flash"},
	{Key: controller.DriverORPStatus, Name: "ORP Status", Icon: "mdi:list-status"},
	{Key: controller.DriverStatusID, Name: "Pool Status", Icon: "mdi:pool"},
	{Key: controller.DriverTA, Name: "Total Alkalinity", Unit: "ppm", Icon: "mdi:water-opacity"},
	{Key: controller.DriverCYA, Name: "Cyanuric Acid", Unit: "ppm", Icon: "mdi:water-opacity"},
	{Key: controller.DriverTH, Name: "Total Hardness", Unit: "ppm", Icon: "mdi:water-opacity"},
	{Key: controller.DriverBattery, Name: "Battery", Unit: "%", DeviceClass: "battery"},
	{Key: controller.DriverRSSI, Name: "Signal Strength", Unit: "dBm", DeviceClass: "signal_strength"},
	{Key: controller.DriverLogLevel, Name: "Log Level", Icon: "mdi:math-log"},
	{Key: controller.DriverTestStrip, Name: "Test Strip Required", Icon: "mdi:test-tube"},
}

var device = &mqtt.DeviceInfo{
	Identifiers:  []string{"phinbridge"},
	Name:         "pHin",
	Model:        "Smart Water Monitor",
	Manufacturer: "pHin",
}

func sensorConfigs() []*mqtt.SensorConfig {
	configs := make([]*mqtt.SensorConfig, 0, len(Drivers))
	for _, d := range Drivers {
		cfg := &mqtt.SensorConfig{
			SensorID:    d.Key,
			Name:        d.Name,
			Unit:        d.Unit,
			DeviceClass: d.DeviceClass,
			Icon:        d.Icon,
			DeviceInfo:  device,
		}
		if d.Unit != "" {
			cfg.StateClass = "measurement"
		}
		configs = append(configs, cfg)
	}
	return configs
}
