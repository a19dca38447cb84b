package mqtt

import (
	"strconv"

	"go.uber.org/zap"
)

// Publisher provides MQTT publishing for driver values and notices
type Publisher struct {
	client Transport
	logger *zap.Logger
}

// NewPublisher creates a new Publisher instance
func NewPublisher(client Transport, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger.Named("mqtt.publisher"),
	}
}

// DriverStateTopic returns the prefix-relative state topic of a driver
func DriverStateTopic(key string) string {
	return "driver/" + sanitizeID(key) + "/state"
}

// NoticeTopic returns the prefix-relative topic of a notice
func NoticeTopic(key string) string {
	return "notice/" + sanitizeID(key)
}

// PublishDriver publishes a driver value as a retained plain number
func (p *Publisher) PublishDriver(key string, value float64) error {
	payload := strconv.FormatFloat(value, 'f', -1, 64)
	if err := p.client.PublishWithQoS(DriverStateTopic(key), 1, true, payload); err != nil {
		p.logger.Warn("failed to publish driver", zap.String("driver", key), zap.Error(err))
		return err
	}
	return nil
}

// PublishDrivers publishes every driver, continuing past failures.
// The first error is returned.
func (p *Publisher) PublishDrivers(values map[string]float64) error {
	var first error
	for key, value := range values {
		if err := p.PublishDriver(key, value); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishNotice publishes a retained notice message
func (p *Publisher) PublishNotice(key, message string) error {
	return p.client.PublishWithQoS(NoticeTopic(key), 1, true, message)
}

// ClearNotice removes a retained notice
func (p *Publisher) ClearNotice(key string) error {
	return p.client.PublishWithQoS(NoticeTopic(key), 1, true, "")
}

// sanitizeID creates a safe ID for MQTT topics
func sanitizeID(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A') // to lowercase
		case c == ' ' || c == '/' || c == '.' || c == '+' || c == '#':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
