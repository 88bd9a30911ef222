package printing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/internal/connection"
	"github.com/ordermaster/printbridge/pkg/models"
	"github.com/ordermaster/printbridge/pkg/plugin"
)

// Event topics published by the printing module.
const (
	TopicDeviceFound        = "printer.device.found"
	TopicDeviceConnected    = "printer.device.connected"
	TopicDeviceDisconnected = "printer.device.disconnected"
	TopicError              = "printer.error"
	TopicScanProgress       = "printer.scan.progress"
	TopicPrintCompleted     = "printer.print.completed"
	TopicOrderReceived      = "printer.order.received"
)

// DeviceEvent is the payload for found, connected, and disconnected events.
type DeviceEvent struct {
	Device models.Device `json:"device"`
}

// ErrorEvent is the payload for TopicError. DeviceID is empty when the
// failure is not tied to one printer.
type ErrorEvent struct {
	Message  string `json:"message"`
	DeviceID string `json:"device_id,omitempty"`
}

// PrintCompletedEvent is the payload for TopicPrintCompleted.
type PrintCompletedEvent struct {
	JobID       string `json:"job_id"`
	DeviceID    string `json:"device_id"`
	OrderNumber string `json:"order_number,omitempty"`
	Bytes       int    `json:"bytes"`
}

// OrderReceivedEvent is the payload for TopicOrderReceived.
type OrderReceivedEvent struct {
	OrderNumber  string `json:"order_number"`
	CustomerName string `json:"customer_name,omitempty"`
	Items        int    `json:"items"`
}

// publisher turns domain callbacks into bus events. Events go out
// synchronously so subscribers see them in completion order.
type publisher struct {
	bus    plugin.EventBus
	logger *zap.Logger
	now    func() time.Time
}

var _ connection.Reporter = (*publisher)(nil)

func (p *publisher) publish(ctx context.Context, topic string, payload any) {
	if p.bus == nil {
		return
	}
	err := p.bus.Publish(ctx, plugin.Event{
		Topic:     topic,
		Source:    moduleName,
		Timestamp: p.now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		p.logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Connected implements connection.Reporter.
func (p *publisher) Connected(ctx context.Context, d models.Device) {
	p.publish(ctx, TopicDeviceConnected, DeviceEvent{Device: d})
}

// Disconnected implements connection.Reporter.
func (p *publisher) Disconnected(ctx context.Context, d models.Device) {
	p.publish(ctx, TopicDeviceDisconnected, DeviceEvent{Device: d})
}

// Failed implements connection.Reporter.
func (p *publisher) Failed(ctx context.Context, deviceID string, err error) {
	p.publish(ctx, TopicError, ErrorEvent{Message: err.Error(), DeviceID: deviceID})
}

func (p *publisher) found(ctx context.Context, d models.Device) {
	p.publish(ctx, TopicDeviceFound, DeviceEvent{Device: d})
}

func (p *publisher) progress(ctx context.Context, pr models.ScanProgress) {
	p.publish(ctx, TopicScanProgress, pr)
}

// fail reports err unless the connection manager already did.
func (p *publisher) fail(ctx context.Context, deviceID string, err error) {
	if alreadyReported(err) {
		return
	}
	p.Failed(ctx, deviceID, err)
}

// alreadyReported matches transport failures, which the connection manager
// reports together with the dropped connection.
func alreadyReported(err error) bool {
	var se *connection.SendError
	return errors.As(err, &se)
}

// Observer receives printer events. It is the typed counterpart of
// subscribing to the individual topics.
type Observer interface {
	DeviceFound(d models.Device)
	DeviceConnected(d models.Device)
	DeviceDisconnected(d models.Device)
	Error(message, deviceID string)
	ScanProgress(p models.ScanProgress)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnDeviceFound        func(models.Device)
	OnDeviceConnected    func(models.Device)
	OnDeviceDisconnected func(models.Device)
	OnError              func(message, deviceID string)
	OnScanProgress       func(models.ScanProgress)
}

func (o ObserverFuncs) DeviceFound(d models.Device) {
	if o.OnDeviceFound != nil {
		o.OnDeviceFound(d)
	}
}

func (o ObserverFuncs) DeviceConnected(d models.Device) {
	if o.OnDeviceConnected != nil {
		o.OnDeviceConnected(d)
	}
}

func (o ObserverFuncs) DeviceDisconnected(d models.Device) {
	if o.OnDeviceDisconnected != nil {
		o.OnDeviceDisconnected(d)
	}
}

func (o ObserverFuncs) Error(message, deviceID string) {
	if o.OnError != nil {
		o.OnError(message, deviceID)
	}
}

func (o ObserverFuncs) ScanProgress(p models.ScanProgress) {
	if o.OnScanProgress != nil {
		o.OnScanProgress(p)
	}
}

// Subscribe attaches obs to the printer topics on bus. Observers are called
// in the order they subscribed. The returned function detaches obs.
func Subscribe(bus plugin.EventBus, obs Observer) (unsubscribe func()) {
	device := func(fn func(models.Device)) plugin.EventHandler {
		return func(_ context.Context, e plugin.Event) {
			if de, ok := e.Payload.(DeviceEvent); ok {
				fn(de.Device)
			}
		}
	}

	unsubs := []func(){
		bus.Subscribe(TopicDeviceFound, device(obs.DeviceFound)),
		bus.Subscribe(TopicDeviceConnected, device(obs.DeviceConnected)),
		bus.Subscribe(TopicDeviceDisconnected, device(obs.DeviceDisconnected)),
		bus.Subscribe(TopicError, func(_ context.Context, e plugin.Event) {
			if ee, ok := e.Payload.(ErrorEvent); ok {
				obs.Error(ee.Message, ee.DeviceID)
			}
		}),
		bus.Subscribe(TopicScanProgress, func(_ context.Context, e plugin.Event) {
			if p, ok := e.Payload.(models.ScanProgress); ok {
				obs.ScanProgress(p)
			}
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
