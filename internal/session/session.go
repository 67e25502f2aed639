// Package session is the per-login composition root: it owns one connection
// manager, one reconciler and one permission filter, wires the event stream
// between them, and exposes the scoped views UI consumers read. Nothing in
// here is a global; a Session is constructed at login and torn down at
// logout.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/connection"
	"github.com/fleetsync/fleetsync/internal/events"
	"github.com/fleetsync/fleetsync/internal/metrics"
	"github.com/fleetsync/fleetsync/internal/models"
	"github.com/fleetsync/fleetsync/internal/permissions"
	"github.com/fleetsync/fleetsync/internal/reconciler"
	"github.com/fleetsync/fleetsync/internal/restapi"
)

// NoticeFunc receives user-visible notification and alert messages. Optional.
type NoticeFunc func(kind, message string)

type Session struct {
	log  *logrus.Logger
	met  *metrics.Metrics
	conn *connection.Manager
	rec  *reconciler.Reconciler
	perm *permissions.Filter
	api  *restapi.Client

	notice NoticeFunc
	tokens []string

	presenceMu sync.RWMutex
	online     map[string]events.PresenceUser
}

type Options struct {
	Conn    connection.Config
	Dialer  connection.Dialer // nil for the real websocket dialer
	API     *restapi.Client
	Metrics *metrics.Metrics
	Log     *logrus.Logger
	Notice  NoticeFunc
}

func New(opts Options) *Session {
	met := opts.Metrics
	if met == nil {
		met = metrics.Nop()
	}
	s := &Session{
		log:    opts.Log,
		met:    met,
		api:    opts.API,
		notice: opts.Notice,
		online: make(map[string]events.PresenceUser),
	}
	s.conn = connection.NewManager(opts.Conn, opts.Dialer, opts.Log, met)
	s.rec = reconciler.New(opts.Log, met)
	s.perm = permissions.NewFilter(opts.API, opts.Log)
	return s
}

// Start brings the session up: load permissions, wire event handlers, open
// the transport, then seed the canonical store from the REST snapshot.
// Handlers are wired before the connect so no pushed event is lost while the
// snapshot is in flight. A failed permission fetch fails closed and a failed
// snapshot fetch leaves the store empty; neither aborts the session, since
// pushed events repair both over time.
func (s *Session) Start(ctx context.Context, creds connection.Credentials) error {
	if err := s.perm.Load(ctx, creds.UserID, creds.Role); err != nil {
		s.log.WithError(err).Warn("permissions unavailable, visible set is empty until refresh")
	}

	s.wire()

	if err := s.conn.Connect(creds); err != nil {
		return err
	}

	machines, err := s.api.FetchMachines(ctx)
	if err != nil {
		s.log.WithError(err).Warn("initial snapshot fetch failed, store starts empty")
		return nil
	}
	s.rec.ApplySnapshot(machines)
	return nil
}

// Stop tears the session down. Safe to call from any state; the connection
// manager cancels its reconnect timer and drops every subscription.
func (s *Session) Stop() {
	s.conn.Disconnect()
	s.tokens = nil
}

// wire subscribes the reconciler to the domain event stream. Each handler
// decodes at the boundary and drops malformed frames; an unknown machine id
// inside a valid frame is handled by the reconciler's placeholder policy.
func (s *Session) wire() {
	sub := func(event string, h connection.Handler) {
		s.tokens = append(s.tokens, s.conn.Subscribe(event, h))
	}

	sub(events.MachineStatusChanged, func(data json.RawMessage) {
		if ev, ok := s.decode(events.MachineStatusChanged, data); ok {
			s.rec.ApplyStatusChanged(ev.(events.StatusChanged))
		}
	})
	sub(events.MachineOperationStarted, func(data json.RawMessage) {
		if ev, ok := s.decode(events.MachineOperationStarted, data); ok {
			s.rec.ApplyOperationStarted(ev.(events.OperationStarted))
		}
	})
	sub(events.MachineOperationEnded, func(data json.RawMessage) {
		if ev, ok := s.decode(events.MachineOperationEnded, data); ok {
			s.rec.ApplyOperationEnded(ev.(events.OperationEnded))
		}
	})
	sub(events.MachineStatusUpdate, func(data json.RawMessage) {
		if ev, ok := s.decode(events.MachineStatusUpdate, data); ok {
			u := ev.(events.MachineUpdate)
			s.rec.ApplyPartial(u.MachineID, u.Patch)
		}
	})
	sub(events.MachineDataUpdate, func(data json.RawMessage) {
		if ev, ok := s.decode(events.MachineDataUpdate, data); ok {
			u := ev.(events.MachineUpdate)
			s.rec.ApplyPartial(u.MachineID, u.Patch)
		}
	})
	sub(events.MachinesBulkUpdate, func(data json.RawMessage) {
		if ev, ok := s.decode(events.MachinesBulkUpdate, data); ok {
			s.rec.ApplySnapshot(ev.(events.BulkUpdate).Machines)
		}
	})
	sub(events.Notification, func(data json.RawMessage) {
		s.forwardNotice("notification", data)
	})
	sub(events.Alert, func(data json.RawMessage) {
		s.forwardNotice("alert", data)
	})
	sub(events.UsersOnline, func(data json.RawMessage) {
		if ev, ok := s.decode(events.UsersOnline, data); ok {
			s.setRoster(ev.(events.Presence).Users)
		}
	})
	sub(events.UserJoined, func(data json.RawMessage) {
		if ev, ok := s.decode(events.UserJoined, data); ok {
			if u := ev.(events.Presence).User; u != nil && u.UserID != "" {
				s.presenceMu.Lock()
				s.online[u.UserID] = *u
				s.presenceMu.Unlock()
			}
		}
	})
	sub(events.UserLeft, func(data json.RawMessage) {
		if ev, ok := s.decode(events.UserLeft, data); ok {
			if u := ev.(events.Presence).User; u != nil {
				s.presenceMu.Lock()
				delete(s.online, u.UserID)
				s.presenceMu.Unlock()
			}
		}
	})
}

// setRoster replaces the presence set with a full server roster.
func (s *Session) setRoster(users []events.PresenceUser) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	s.online = make(map[string]events.PresenceUser, len(users))
	for _, u := range users {
		if u.UserID != "" {
			s.online[u.UserID] = u
		}
	}
}

func (s *Session) decode(event string, data json.RawMessage) (interface{}, bool) {
	ev, err := events.Decode(event, data)
	if err != nil {
		s.met.DecodeFailures.Inc()
		s.log.WithError(err).WithField("event", event).Warn("dropping malformed event")
		return nil, false
	}
	return ev, true
}

func (s *Session) forwardNotice(kind string, data json.RawMessage) {
	if s.notice == nil {
		return
	}
	ev, err := events.Decode(kind, data)
	if err != nil {
		s.met.DecodeFailures.Inc()
		return
	}
	if n, ok := ev.(events.Notice); ok && n.Message != "" {
		s.notice(kind, n.Message)
	}
}

// Connection exposes the lifecycle surface (phase, manual Reconnect, room
// controls) to UI consumers.
func (s *Session) Connection() *connection.Manager { return s.conn }

// Permissions exposes the filter for capability checks and refresh.
func (s *Session) Permissions() *permissions.Filter { return s.perm }

// Aggregates recomputes the fleet summary over the canonical store.
func (s *Session) Aggregates() models.FleetAggregates { return s.rec.ComputeAggregates() }

// Machine returns the unscoped canonical record; callers wanting scoped
// access go through VisibleMachines.
func (s *Session) Machine(id string) (models.MachineState, bool) { return s.rec.Get(id) }

// VisibleMachines returns the canonical store filtered to what this user may
// see, in stable id order.
func (s *Session) VisibleMachines() []models.MachineState {
	return s.perm.FilterMachines(s.rec.All(), permissions.CanView)
}

// OperableMachines returns the machines this user may act on.
func (s *Session) OperableMachines() []models.MachineState {
	return s.perm.FilterMachines(s.rec.All(), permissions.CanOperate)
}

// OnlineUsers returns the currently known presence roster in stable id order.
func (s *Session) OnlineUsers() []events.PresenceUser {
	s.presenceMu.RLock()
	defer s.presenceMu.RUnlock()
	out := make([]events.PresenceUser, 0, len(s.online))
	for _, u := range s.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reconciler exposes the canonical store for tests and advanced consumers.
func (s *Session) Reconciler() *reconciler.Reconciler { return s.rec }
