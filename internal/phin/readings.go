package phin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"go.uber.org/zap"
)

const testStripTitle = "Dip a test strip"

// Metric is an averaged value with its status code (1-5).
type Metric struct {
	Value  float64 `json:"value"`
	Status int     `json:"status"`
}

// Battery is the averaged battery voltage and its charge fraction.
type Battery struct {
	Millivolts float64 `json:"value"`
	Fraction   float64 `json:"percentage"`
}

// Reading is the most recent device state. Every field is optional: a field
// the service did not report, or that could not be decoded, is nil.
type Reading struct {
	Temperature       *float64 `json:"temperature,omitempty"` // Fahrenheit
	PH                *Metric  `json:"ph,omitempty"`
	ORP               *Metric  `json:"orp,omitempty"`
	TotalAlkalinity   *float64 `json:"ta,omitempty"`
	CyanuricAcid      *float64 `json:"cya,omitempty"`
	Hardness          *float64 `json:"th,omitempty"`
	Battery           *Battery `json:"battery,omitempty"`
	RSSI              *Metric  `json:"rssi,omitempty"`
	StatusID          *int     `json:"statusId,omitempty"`
	StatusTitle       *string  `json:"statusTitle,omitempty"`
	TestStripRequired *bool    `json:"testStripRequired,omitempty"`
}

// FetchReadings fetches the vessel state and its weekly chart history and
// merges them into a Reading. Fields that cannot be extracted are logged
// and left nil; request failures are returned as errors.
func (c *Client) FetchReadings(ctx context.Context, authToken, deviceUUID, vesselURL string) (*Reading, error) {
	if err := ValidateRoute(vesselURL); err != nil {
		c.logger.Error("vessel url not valid", zap.String("url", vesselURL))
		return nil, err
	}

	_, body, err := c.call(ctx, "vessels", http.MethodGet, vesselURL,
		c.headers(deviceUUID, authToken, vesselVersion), nil)
	if err != nil {
		return nil, err
	}

	vessel, err := lookup(json.RawMessage(body), "vessels", 0)
	if err != nil {
		return nil, &RemoteError{Kind: KindRemote, Op: "vessels", Body: body, Err: err}
	}

	reading := &Reading{}
	c.extractWaterReport(reading, vessel)

	chartRoute, err := decodeAt[string](vessel, "widgets", 0, "resources", "appChartsWeek", "route")
	if err != nil || chartRoute == "" {
		c.logger.Error("not able to access chart route", zap.Error(err))
		return reading, nil
	}

	_, chartBody, err := c.call(ctx, "charts", http.MethodGet, chartRoute,
		c.headers(deviceUUID, authToken, chartVersion), nil)
	if err != nil {
		return nil, err
	}
	c.extractChart(reading, json.RawMessage(chartBody))

	return reading, nil
}

func (c *Client) extractWaterReport(r *Reading, vessel json.RawMessage) {
	fields := []struct {
		key string
		dst **float64
	}{
		{"TA", &r.TotalAlkalinity},
		{"CYA", &r.CyanuricAcid},
		{"TH", &r.Hardness},
	}
	for _, f := range fields {
		v, err := decodeAt[float64](vessel, "waterReport", f.key, "value")
		if err != nil {
			c.logger.Error("not able to access water report value", zap.String("field", f.key), zap.Error(err))
			continue
		}
		*f.dst = &v
	}

	if strip, err := testStripRequired(vessel); err != nil {
		c.logger.Error("not able to access test strip", zap.Error(err))
	} else {
		r.TestStripRequired = &strip
	}

	if temp, err := decodeAt[float64](vessel, "disc", "temperatureF"); err != nil {
		c.logger.Error("not able to access temperature", zap.Error(err))
	} else {
		r.Temperature = &temp
	}

	if title, err := decodeAt[string](vessel, "disc", "name"); err != nil {
		c.logger.Error("not able to access status title", zap.Error(err))
	} else {
		r.StatusTitle = &title
	}

	if id, err := decodeAt[float64](vessel, "disc", "waterStatus", "value"); err != nil {
		c.logger.Error("not able to access status id", zap.Error(err))
	} else {
		statusID := int(math.Round(id))
		r.StatusID = &statusID
	}
}

func testStripRequired(vessel json.RawMessage) (bool, error) {
	raw, err := lookup(vessel, "requiredActions")
	if err != nil {
		// No pending actions
		return false, nil
	}
	var actions []struct {
		ButtonDetails *struct {
			Title string `json:"title"`
		} `json:"buttonDetails"`
	}
	if err := json.Unmarshal(raw, &actions); err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.ButtonDetails == nil {
			return false, errors.New("required action has no button details")
		}
		if a.ButtonDetails.Title == testStripTitle {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) extractChart(r *Reading, chart json.RawMessage) {
	if avg, err := average(chart, "ph", c.window.PH, 1); err != nil {
		c.logger.Error("can not access ph", zap.Error(err))
	} else {
		r.PH = &Metric{Value: avg, Status: PHStatus(avg)}
	}

	if avg, err := average(chart, "orpMv", c.window.ORP, 1); err != nil {
		c.logger.Error("can not access orp", zap.Error(err))
	} else {
		r.ORP = &Metric{Value: avg, Status: ORPStatus(avg)}
	}

	if avg, err := average(chart, "batteryMv", c.window.Battery, 1); err != nil {
		c.logger.Error("can not access battery", zap.Error(err))
	} else {
		r.Battery = &Battery{Millivolts: avg, Fraction: BatteryFraction(avg)}
	}

	if avg, err := average(chart, "rssi", c.window.RSSI, 0); err != nil {
		c.logger.Error("can not access rssi", zap.Error(err))
	} else {
		r.RSSI = &Metric{Value: avg, Status: RSSIStatus(avg)}
	}
}

// average returns the mean of the last n samples of series key, rounded.
// Series shorter than n are averaged over the samples they have.
func average(chart json.RawMessage, key string, n, places int) (float64, error) {
	samples, err := decodeAt[[]float64](chart, key)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("series %q is empty", key)
	}
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	return round(sum/float64(len(samples)), places), nil
}

// lookup walks raw along path, where string elements index objects and int
// elements index arrays. Missing and null elements are errors.
func lookup(raw json.RawMessage, path ...any) (json.RawMessage, error) {
	cur := raw
	for _, p := range path {
		switch key := p.(type) {
		case string:
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(cur, &obj); err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			next, ok := obj[key]
			if !ok || isNull(next) {
				return nil, fmt.Errorf("field %q is missing", key)
			}
			cur = next
		case int:
			var arr []json.RawMessage
			if err := json.Unmarshal(cur, &arr); err != nil {
				return nil, fmt.Errorf("index %d: %w", key, err)
			}
			if key < 0 || key >= len(arr) || isNull(arr[key]) {
				return nil, fmt.Errorf("index %d is missing", key)
			}
			cur = arr[key]
		default:
			return nil, fmt.Errorf("unsupported path element %v", p)
		}
	}
	return cur, nil
}

func decodeAt[T any](raw json.RawMessage, path ...any) (T, error) {
	var v T
	node, err := lookup(raw, path...)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(node, &v); err != nil {
		return v, err
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
