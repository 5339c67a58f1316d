package collectors

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/sensors"
)

// SensorReading is one temperature sample from a hardware sensor.
type SensorReading struct {
	Sensor  string
	Celsius float64
}

// TemperatureCollector reads thermal sensors via gopsutil, falling back to
// /sys/class/thermal on hosts where hwmon enumeration yields nothing.
type TemperatureCollector struct {
	thermalRoot string
}

func NewTemperatureCollector() *TemperatureCollector {
	return &TemperatureCollector{thermalRoot: "/sys/class/thermal"}
}

// Readings returns all sensors with a plausible sample. Sensors reporting
// zero or negative values are treated as absent rather than cold.
func (c *TemperatureCollector) Readings(ctx context.Context) ([]SensorReading, error) {
	stats, err := sensors.TemperaturesWithContext(ctx)
	if err == nil {
		out := make([]SensorReading, 0, len(stats))
		for _, s := range stats {
			if s.Temperature <= 0 {
				continue
			}
			out = append(out, SensorReading{Sensor: s.SensorKey, Celsius: s.Temperature})
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return c.readThermalZones()
}

func (c *TemperatureCollector) readThermalZones() ([]SensorReading, error) {
	zones, err := filepath.Glob(filepath.Join(c.thermalRoot, "thermal_zone*"))
	if err != nil {
		return nil, err
	}

	var out []SensorReading
	for _, zone := range zones {
		raw, err := os.ReadFile(filepath.Join(zone, "temp"))
		if err != nil {
			continue
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil || milli <= 0 {
			continue
		}
		name := filepath.Base(zone)
		if t, err := os.ReadFile(filepath.Join(zone, "type")); err == nil {
			if typ := strings.TrimSpace(string(t)); typ != "" {
				name = typ + "/" + name
			}
		}
		out = append(out, SensorReading{Sensor: name, Celsius: float64(milli) / 1000})
	}
	return out, nil
}
