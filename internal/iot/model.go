package iot

import (
	"embed"

	"github.com/rzbill/sharepipe/internal/codec"
)

// Channel is how a recipient prefers to be notified.
type Channel string

const (
	ChannelEmail Channel = "Email"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "Push"
)

// Recipient is a person subscribed to a device's alerts.
type Recipient struct {
	Name             string  `json:"name"`
	Email            string  `json:"email"`
	Phone            string  `json:"phone"`
	PreferredChannel Channel `json:"preferredChannel"`
}

// AlertType categorises an alert.
type AlertType string

const (
	Temperature AlertType = "Temperature"
	Humidity    AlertType = "Humidity"
	Pressure    AlertType = "Pressure"
	Motion      AlertType = "Motion"
)

// AlertTypes lists every category in a fixed order.
var AlertTypes = []AlertType{Temperature, Humidity, Pressure, Motion}

// Alert is one generated device alert. Timestamp is epoch milliseconds.
type Alert struct {
	DeviceID   string      `json:"deviceId"`
	Message    string      `json:"message"`
	Timestamp  int64       `json:"timestamp"`
	AlertType  AlertType   `json:"alertType"`
	Recipients []Recipient `json:"recipients"`
}

//go:embed schemas/*.json
var schemaFS embed.FS

func mustSchema(name string) *codec.Schema {
	src, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		panic(err)
	}
	return codec.MustCompile(name, src)
}

var (
	alertSchema      = mustSchema("Alert")
	recipientsSchema = mustSchema("Recipients")
)

// DecodeAlert validates and decodes an alert payload.
func DecodeAlert(b []byte) (Alert, error) { return codec.Decode[Alert](alertSchema, b) }
