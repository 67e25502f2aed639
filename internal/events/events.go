// Package events defines the wire contract between the fleet server and this
// client: every inbound and outbound event name, a typed payload per name, and
// a decoder that validates payloads at the transport boundary so the rest of
// the client never has to guess at optional fields.
package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fleetsync/fleetsync/internal/models"
)

// Lifecycle events emitted by the connection manager itself.
const (
	Connected    = "connected"
	Disconnected = "disconnected"
	Error        = "error"
)

// Domain events pushed by the server.
const (
	MachineStatusChanged    = "machine:status:changed"
	MachineOperationStarted = "machine:operation-started"
	MachineOperationEnded   = "machine:operation-ended"
	MachineStatusUpdate     = "machine-status-update"
	MachineDataUpdate       = "machine-data-update"
	MachinesBulkUpdate      = "machines-bulk-update"
	Notification            = "notification"
	Alert                   = "alert"
	UsersOnline             = "users-online"
	UserJoined              = "user-joined"
	UserLeft                = "user-left"
)

// Outbound control events. Auth is the handshake frame written immediately
// after dialing, before anything else.
const (
	Auth         = "auth"
	JoinUserRoom = "join-user-room"
	JoinRoleRoom = "join-role-room"
	JoinRoom     = "join-room"
	LeaveRoom    = "leave-room"
	RoomMessage  = "room-message"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrNoMachineID  = errors.New("payload missing machineId")
)

// Envelope is the frame format used in both directions on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal failures can only
// come from programmer error (unencodable types), so they are returned rather
// than swallowed.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// StatusChanged is the payload of machine:status:changed. Older servers send
// the new status under "status", newer ones under "newStatus"; both are
// accepted and EffectiveStatus picks whichever is present.
type StatusChanged struct {
	MachineID   string `json:"machineId"`
	NewStatus   string `json:"newStatus,omitempty"`
	Status      string `json:"status,omitempty"`
	MachineName string `json:"machineName,omitempty"`
	User        string `json:"user,omitempty"`
}

// EffectiveStatus returns the status carried by the event, preferring the
// newStatus field over the legacy status field.
func (e StatusChanged) EffectiveStatus() string {
	if e.NewStatus != "" {
		return e.NewStatus
	}
	return e.Status
}

// OperationStarted is the payload of machine:operation-started.
type OperationStarted struct {
	MachineID    string `json:"machineId"`
	OperatorName string `json:"operatorName"`
	Notes        string `json:"notes,omitempty"`
}

// OperationEnded is the payload of machine:operation-ended.
type OperationEnded struct {
	MachineID string `json:"machineId"`
}

// MachineUpdate is the payload of machine-status-update and
// machine-data-update: a machine id plus an arbitrary subset of fields.
type MachineUpdate struct {
	MachineID string `json:"machineId"`
	Patch     models.MachinePatch
}

// UnmarshalJSON decodes the id and the patch from the same flat object.
func (u *MachineUpdate) UnmarshalJSON(data []byte) error {
	var id struct {
		MachineID string `json:"machineId"`
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &u.Patch); err != nil {
		return err
	}
	u.MachineID = id.MachineID
	return nil
}

// BulkUpdate is the payload of machines-bulk-update: a full fleet snapshot.
type BulkUpdate struct {
	Machines []models.MachineState
}

func (b *BulkUpdate) UnmarshalJSON(data []byte) error {
	// Servers send either a bare array or {"machines": [...]}.
	if err := json.Unmarshal(data, &b.Machines); err == nil {
		return nil
	}
	var wrapped struct {
		Machines []models.MachineState `json:"machines"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	b.Machines = wrapped.Machines
	return nil
}

// Notice is the payload of notification and alert events.
type Notice struct {
	Message string `json:"message"`
}

// PresenceUser is one entry in a presence roster.
type PresenceUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Presence is the payload of the users-online roster and of the
// user-joined / user-left deltas (Users empty, User set).
type Presence struct {
	Users []PresenceUser `json:"users,omitempty"`
	User  *PresenceUser  `json:"user,omitempty"`
}

// RoomPayload is the payload of the outbound room control events.
type RoomPayload struct {
	Room  string          `json:"room"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handshake is the first frame the client writes after dialing.
type Handshake struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Decode validates and decodes a domain event payload into its typed form.
// It returns ErrUnknownEvent for names outside the contract; callers drop
// those rather than fail. Payloads that name a machine must carry a non-empty
// machineId.
func Decode(event string, data json.RawMessage) (interface{}, error) {
	switch event {
	case MachineStatusChanged:
		var p StatusChanged
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		if p.MachineID == "" {
			return nil, fmt.Errorf("%s: %w", event, ErrNoMachineID)
		}
		return p, nil
	case MachineOperationStarted:
		var p OperationStarted
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		if p.MachineID == "" {
			return nil, fmt.Errorf("%s: %w", event, ErrNoMachineID)
		}
		return p, nil
	case MachineOperationEnded:
		var p OperationEnded
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		if p.MachineID == "" {
			return nil, fmt.Errorf("%s: %w", event, ErrNoMachineID)
		}
		return p, nil
	case MachineStatusUpdate, MachineDataUpdate:
		var p MachineUpdate
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		if p.MachineID == "" {
			return nil, fmt.Errorf("%s: %w", event, ErrNoMachineID)
		}
		return p, nil
	case MachinesBulkUpdate:
		var p BulkUpdate
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case Notification, Alert:
		var p Notice
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case UsersOnline, UserJoined, UserLeft:
		var p Presence
		if err := unmarshal(event, data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%s: %w", event, ErrUnknownEvent)
	}
}

func unmarshal(event string, data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", event, err)
	}
	return nil
}
