package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event is the closed set of messages carried by a Channel. Use a type switch
// or On to handle specific kinds.
type Event interface {
	EventName() string
	isEvent()
}

// Pallet is the wire shape of a scanned pallet.
type Pallet struct {
	Number    string    `json:"number"`
	TripKey   string    `json:"tripKey"`
	Boxes     int       `json:"boxes"`
	WeightKg  float64   `json:"weightKg"`
	ScannedBy string    `json:"scannedBy,omitempty"`
	ScannedAt time.Time `json:"scannedAt"`
}

// PalletScanned announces a new pallet with the trip's full pallet list.
type PalletScanned struct {
	TripKey  string   `json:"tripKey"`
	DeviceID string   `json:"deviceId,omitempty"`
	Pallet   Pallet   `json:"pallet"`
	Pallets  []Pallet `json:"pallets"`
}

// PalletUpdated announces a re-scan that changed an existing pallet.
type PalletUpdated struct {
	TripKey  string   `json:"tripKey"`
	DeviceID string   `json:"deviceId,omitempty"`
	Pallet   Pallet   `json:"pallet"`
	Pallets  []Pallet `json:"pallets"`
}

type PalletDeleted struct {
	TripKey      string   `json:"tripKey"`
	PalletNumber string   `json:"palletNumber"`
	Pallets      []Pallet `json:"pallets"`
}

// PalletDeleteRequested is a device asking the operator to remove a pallet.
type PalletDeleteRequested struct {
	TripKey      string `json:"tripKey"`
	PalletNumber string `json:"palletNumber"`
	DeviceID     string `json:"deviceId"`
	Reason       string `json:"reason,omitempty"`
}

type PalletEdited struct {
	TripKey string   `json:"tripKey"`
	Pallet  Pallet   `json:"pallet"`
	Pallets []Pallet `json:"pallets"`
}

// TripActive tells devices which trip is open and what it holds.
type TripActive struct {
	TripKey string   `json:"tripKey"`
	OwnerID string   `json:"ownerId"`
	Pallets []Pallet `json:"pallets"`
}

type TripCreated struct {
	TripKey string `json:"tripKey"`
	OwnerID string `json:"ownerId"`
}

type TripFinalized struct {
	TripKey string `json:"tripKey"`
}

type TripReopened struct {
	TripKey string `json:"tripKey"`
	OwnerID string `json:"ownerId"`
}

// ActiveTripRequested is a device asking which trip is open.
type ActiveTripRequested struct {
	DeviceID string `json:"deviceId"`
}

// PalletNumberSubmitted is a device scan waiting to be processed.
type PalletNumberSubmitted struct {
	TripKey      string `json:"tripKey"`
	PalletNumber string `json:"palletNumber"`
	DeviceID     string `json:"deviceId"`
}

// ErrorNotice reports a rejected or failed request back to its sender.
type ErrorNotice struct {
	TripKey      string `json:"tripKey,omitempty"`
	PalletNumber string `json:"palletNumber,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

type InfoNotice struct {
	TripKey string `json:"tripKey,omitempty"`
	Message string `json:"message"`
}

// StateChanged is raised locally on every connection state transition.
type StateChanged struct {
	From ConnectionState
	To   ConnectionState
}

// ConnectionError is raised locally for connect, probe and reconnect failures.
type ConnectionError struct {
	Err     error
	Attempt int
}

func (PalletScanned) EventName() string         { return "PalletScanned" }
func (PalletUpdated) EventName() string         { return "PalletUpdated" }
func (PalletDeleted) EventName() string         { return "PalletDeleted" }
func (PalletDeleteRequested) EventName() string { return "PalletDeleteRequested" }
func (PalletEdited) EventName() string          { return "PalletEdited" }
func (TripActive) EventName() string            { return "TripActive" }
func (TripCreated) EventName() string           { return "TripCreated" }
func (TripFinalized) EventName() string         { return "TripFinalized" }
func (TripReopened) EventName() string          { return "TripReopened" }
func (ActiveTripRequested) EventName() string   { return "ActiveTripRequested" }
func (PalletNumberSubmitted) EventName() string { return "PalletNumberSubmitted" }
func (ErrorNotice) EventName() string           { return "ErrorNotice" }
func (InfoNotice) EventName() string            { return "InfoNotice" }
func (StateChanged) EventName() string          { return "StateChanged" }
func (ConnectionError) EventName() string       { return "ConnectionError" }

func (PalletScanned) isEvent()         {}
func (PalletUpdated) isEvent()         {}
func (PalletDeleted) isEvent()         {}
func (PalletDeleteRequested) isEvent() {}
func (PalletEdited) isEvent()          {}
func (TripActive) isEvent()            {}
func (TripCreated) isEvent()           {}
func (TripFinalized) isEvent()         {}
func (TripReopened) isEvent()          {}
func (ActiveTripRequested) isEvent()   {}
func (PalletNumberSubmitted) isEvent() {}
func (ErrorNotice) isEvent()           {}
func (InfoNotice) isEvent()            {}
func (StateChanged) isEvent()          {}
func (ConnectionError) isEvent()       {}

// envelope is the JSON frame published on hub topics.
type envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id"`
	Sender  string          `json:"sender"`
	SentAt  time.Time       `json:"sentAt"`
	Payload json.RawMessage `json:"payload"`
}

// isLocal reports events that never leave the process.
func isLocal(ev Event) bool {
	switch ev.(type) {
	case StateChanged, ConnectionError:
		return true
	}
	return false
}

func encodeEnvelope(ev Event, id, sender string, sentAt time.Time) ([]byte, error) {
	if isLocal(ev) {
		return nil, fmt.Errorf("%w: %s is local only", ErrUnknownEvent, ev.EventName())
	}

	var payload, err = json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", ev.EventName(), err)
	}

	return json.Marshal(envelope{
		Event:   ev.EventName(),
		ID:      id,
		Sender:  sender,
		SentAt:  sentAt,
		Payload: payload,
	})
}

func decodeEnvelope(data []byte) (envelope, Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var ev, err = decodeEvent(env.Event, env.Payload)
	if err != nil {
		return env, nil, err
	}

	return env, ev, nil
}

func decodeEvent(name string, raw json.RawMessage) (Event, error) {
	switch name {
	case "PalletScanned":
		return decodeAs[PalletScanned](raw)
	case "PalletUpdated":
		return decodeAs[PalletUpdated](raw)
	case "PalletDeleted":
		return decodeAs[PalletDeleted](raw)
	case "PalletDeleteRequested":
		return decodeAs[PalletDeleteRequested](raw)
	case "PalletEdited":
		return decodeAs[PalletEdited](raw)
	case "TripActive":
		return decodeAs[TripActive](raw)
	case "TripCreated":
		return decodeAs[TripCreated](raw)
	case "TripFinalized":
		return decodeAs[TripFinalized](raw)
	case "TripReopened":
		return decodeAs[TripReopened](raw)
	case "ActiveTripRequested":
		return decodeAs[ActiveTripRequested](raw)
	case "PalletNumberSubmitted":
		return decodeAs[PalletNumberSubmitted](raw)
	case "ErrorNotice":
		return decodeAs[ErrorNotice](raw)
	case "InfoNotice":
		return decodeAs[InfoNotice](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func decodeAs[T Event](raw json.RawMessage) (Event, error) {
	var ev T
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", ev.EventName(), err)
	}
	return ev, nil
}
