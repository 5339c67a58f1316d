// Package health implements the HEA detector family: temperature, disk
// capacity, systemd unit health and memory pressure.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/argus/internal/collectors"
	"github.com/rcourtman/argus/internal/event"
)

const (
	tempWarnSustain = 30 * time.Second
	tempCritSustain = 10 * time.Second
	tempRecover     = time.Minute
	// Recovery requires dropping this far below the trigger threshold.
	tempHysteresisC = 5
)

// ReadingsFunc samples the thermal sensors. Swapped in tests.
type ReadingsFunc func(ctx context.Context) ([]collectors.SensorReading, error)

type tempGate struct {
	since   time.Time // above threshold since; zero when not tracking
	recover time.Time // below recovery threshold since; zero when not tracking
	active  bool
}

// TemperatureDetector raises HEA-01 (sustained high) and HEA-02 (sustained
// critical) on the hottest CPU sensor. Both conditions gate on duration in
// each direction so brief spikes and dips do not flap the incident.
type TemperatureDetector struct {
	readings ReadingsFunc
	warnC    float64
	critC    float64
	nowFn    func() time.Time

	hi   tempGate
	crit tempGate

	lastTemp   float64
	lastSensor string
}

func NewTemperatureDetector(readings ReadingsFunc, warnC, critC float64) *TemperatureDetector {
	return &TemperatureDetector{
		readings: readings,
		warnC:    warnC,
		critC:    critC,
		nowFn:    time.Now,
	}
}

func (d *TemperatureDetector) ID() string { return "hea-temp" }

func (d *TemperatureDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	samples, err := d.readings(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sensors: %w", err)
	}
	if len(samples) == 0 {
		// Host exposes no thermal sensors; nothing to gate on.
		return nil, nil
	}

	temp, sensor := hottest(samples)
	d.lastTemp, d.lastSensor = temp, sensor
	now := d.nowFn()

	d.step(&d.crit, temp, d.critC, tempCritSustain, now)
	// Critical active suppresses the warning tier from triggering anew.
	if d.crit.active {
		d.hi.since = time.Time{}
	} else {
		d.step(&d.hi, temp, d.warnC, tempWarnSustain, now)
	}

	var findings []event.Finding
	if d.crit.active {
		findings = append(findings, event.Finding{
			Code:     "HEA-02",
			Severity: event.SeverityCritical,
			Summary:  fmt.Sprintf("Critical CPU temperature: %.0f°C (threshold %.0f°C)", temp, d.critC),
			Evidence: map[string]string{
				"sensor":  "cpu",
				"temp_c":  fmt.Sprintf("%.1f", temp),
				"hottest": sensor,
			},
			ObservedAt: now,
		})
	}
	if d.hi.active {
		findings = append(findings, event.Finding{
			Code:     "HEA-01",
			Severity: event.SeverityWarning,
			Summary:  fmt.Sprintf("High CPU temperature: %.0f°C (threshold %.0f°C)", temp, d.warnC),
			Evidence: map[string]string{
				"sensor":  "cpu",
				"temp_c":  fmt.Sprintf("%.1f", temp),
				"hottest": sensor,
			},
			ObservedAt: now,
		})
	}
	return findings, nil
}

// step advances one gate: sustained time above threshold arms it, sustained
// time below threshold minus hysteresis disarms it.
func (d *TemperatureDetector) step(g *tempGate, temp, threshold float64, sustain time.Duration, now time.Time) {
	if !g.active {
		if temp >= threshold {
			if g.since.IsZero() {
				g.since = now
			}
			if now.Sub(g.since) >= sustain {
				g.active = true
				g.recover = time.Time{}
			}
		} else {
			g.since = time.Time{}
		}
		return
	}

	if temp <= threshold-tempHysteresisC {
		if g.recover.IsZero() {
			g.recover = now
		}
		if now.Sub(g.recover) >= tempRecover {
			g.active = false
			g.since = time.Time{}
			g.recover = time.Time{}
		}
	} else {
		g.recover = time.Time{}
	}
}

func hottest(samples []collectors.SensorReading) (float64, string) {
	max := samples[0]
	for _, s := range samples[1:] {
		if s.Celsius > max.Celsius {
			max = s
		}
	}
	return max.Celsius, max.Sensor
}
