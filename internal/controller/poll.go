package controller

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"phinbridge/internal/events"
	"phinbridge/internal/metrics"
	"phinbridge/internal/phin"
)

// Driver keys published to the host.
const (
	DriverStatus      = "ST"
	DriverTemperature = "WATERT"
	DriverPH          = "GV1"
	DriverStatusID    = "GV2"
	DriverTA          = "GV3"
	DriverCYA         = "GV4"
	DriverTH          = "GV5"
	DriverPHStatus    = "GV6"
	DriverORP         = "GV7"
	DriverORPStatus   = "GV8"
	DriverBattery     = "GV9"
	DriverRSSI        = "GV10"
	DriverLogLevel    = "GV11"
	DriverTestStrip   = "GV12"
)

// Start publishes the initial driver set and fetches readings when the
// session is already authorized.
func (c *Controller) Start(ctx context.Context) error {
	c.logger.Info("starting")

	if err := c.setLogLevel(ctx, ""); err != nil {
		c.logger.Warn("failed to publish log level", zap.Error(err))
	}
	if err := c.host.UpdateProfile(ctx); err != nil {
		c.logger.Warn("failed to update profile", zap.Error(err))
	}
	if err := c.host.SetDriver(ctx, DriverStatus, 1, true); err != nil {
		return err
	}
	return c.QueryPoolData(ctx)
}

// ShortPoll refreshes readings.
func (c *Controller) ShortPoll(ctx context.Context) error {
	c.logger.Debug("short poll")
	return c.QueryPoolData(ctx)
}

// LongPoll reports the node as alive.
func (c *Controller) LongPoll(ctx context.Context) error {
	c.logger.Debug("long poll")
	c.record(events.EventHeartbeat, true, "")
	return c.host.SetDriver(ctx, DriverStatus, 1, true)
}

// QueryPoolData fetches the latest readings and publishes every reported
// value. It does nothing until the session holds credentials. A rejected
// token resets the session and restarts the controller.
func (c *Controller) QueryPoolData(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sync(c.host.CustomParams())
	v := newView(c.params.Lookup)
	metrics.SetActivationState(int(deriveState(v)))
	if v.authToken == "" || v.vesselURL == "" {
		c.logger.Debug("not authorized, skipping reading fetch")
		metrics.ObservePoll("skipped")
		return nil
	}

	reading, err := c.service.FetchReadings(ctx, v.authToken, v.uuid, v.vesselURL)
	observeRemote("fetch", err)
	if err != nil {
		metrics.ObservePoll("error")
		c.record(events.EventPoll, false, err.Error())
		if errors.Is(err, phin.ErrUnauthorized) {
			c.logger.Error("service rejected credentials, resetting", zap.Error(err))
			c.resetLocked(ctx)
			c.host.Restart("unauthorized")
			return nil
		}
		c.logger.Error("failed to fetch readings", zap.Error(err))
		return err
	}

	published := 0
	for key, value := range driverValues(reading) {
		if err := c.host.SetDriver(ctx, key, value, true); err != nil {
			c.logger.Warn("failed to set driver", zap.String("driver", key), zap.Error(err))
			continue
		}
		published++
	}

	metrics.ObservePoll("ok")
	c.record(events.EventPoll, true, "")
	c.logger.Debug("readings published", zap.Int("drivers", published))
	return nil
}

// driverValues maps the reported fields of r onto driver keys.
func driverValues(r *phin.Reading) map[string]float64 {
	out := make(map[string]float64)
	if r == nil {
		return out
	}

	if r.Temperature != nil {
		out[DriverTemperature] = *r.Temperature
	}
	if r.PH != nil {
		out[DriverPH] = math.Round(r.PH.Value*10) / 10
		out[DriverPHStatus] = float64(r.PH.Status)
	}
	if r.ORP != nil {
		out[DriverORP] = r.ORP.Value
		out[DriverORPStatus] = float64(r.ORP.Status)
	}
	if r.StatusID != nil {
		out[DriverStatusID] = float64(*r.StatusID)
	}
	if r.TotalAlkalinity != nil {
		out[DriverTA] = *r.TotalAlkalinity
	}
	if r.CyanuricAcid != nil {
		out[DriverCYA] = *r.CyanuricAcid
	}
	if r.Hardness != nil {
		out[DriverTH] = *r.Hardness
	}
	if r.Battery != nil {
		out[DriverBattery] = math.Round(r.Battery.Fraction * 100)
	}
	if r.RSSI != nil {
		out[DriverRSSI] = r.RSSI.Value
	}
	if r.TestStripRequired != nil {
		out[DriverTestStrip] = 0
		if *r.TestStripRequired {
			out[DriverTestStrip] = 1
		}
	}
	return out
}
