package codec

import (
	"encoding/json"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fxsml/gocal/topic"
)

var cloudEventType = topic.DataTypeInfo{Encoding: "cloudevents", TypeName: "CloudEvent"}

type cloudEventCodec struct{}

// CloudEvent returns a codec for CloudEvents in structured JSON mode.
// Events are validated on both paths: an event missing required context
// attributes is neither sent nor delivered.
func CloudEvent() Codec[event.Event] {
	return cloudEventCodec{}
}

func (cloudEventCodec) Encode(e event.Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, encodeErr(cloudEventType, err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, encodeErr(cloudEventType, err)
	}
	return b, nil
}

func (cloudEventCodec) Decode(data []byte) (event.Event, error) {
	e := event.New()
	if err := json.Unmarshal(data, &e); err != nil {
		return event.Event{}, decodeErr(cloudEventType, data, err)
	}
	if err := e.Validate(); err != nil {
		return event.Event{}, decodeErr(cloudEventType, data, err)
	}
	return e, nil
}

func (cloudEventCodec) DataType() topic.DataTypeInfo {
	return cloudEventType
}

// ContentType returns "application/cloudevents+json".
func (cloudEventCodec) ContentType() string {
	return event.ApplicationCloudEventsJSON
}
