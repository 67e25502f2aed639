// Package permissions scopes machine visibility per user without a server
// round-trip per check. Access is one of two explicit cases chosen from the
// user's role at load time: blanket AllAccess for elevated roles, or a cached
// per-machine grant set for everyone else. An empty grant list therefore
// always means "no access"; it is never overloaded to mean "everything".
package permissions

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fleetsync/fleetsync/internal/models"
)

// Capability names a single grant flag.
type Capability string

const (
	CanView    Capability = "canView"
	CanOperate Capability = "canOperate"
	CanEdit    Capability = "canEdit"
)

// UnboundedCount is returned by Stats for elevated roles: the visible set is
// the whole fleet, so a real count would be misleading. Callers must treat it
// specially.
const UnboundedCount = -1

var ErrNotLoaded = errors.New("permissions not loaded")

// elevatedRoles have blanket access and never fetch grants.
var elevatedRoles = map[string]bool{
	"ADMIN":      true,
	"SUPERVISOR": true,
}

// IsElevatedRole reports whether the role bypasses per-machine grants.
func IsElevatedRole(role string) bool {
	return elevatedRoles[role]
}

// GrantFetcher loads the grant list for a user, typically from
// GET /permissions?userId=.
type GrantFetcher interface {
	FetchGrants(ctx context.Context, userID string) ([]models.PermissionGrant, error)
}

// Stats summarizes the loaded grant set.
type Stats struct {
	Total    int `json:"total"`
	Viewable int `json:"viewable"`
	Operable int `json:"operable"`
	Editable int `json:"editable"`
}

// Filter caches one user's access for the session and answers permission
// queries locally. Load once after login; Refresh re-fetches on demand.
type Filter struct {
	fetcher GrantFetcher
	log     *logrus.Entry

	mu      sync.RWMutex
	loaded  bool
	userID  string
	role    string
	all     bool
	grants  map[string]models.PermissionGrant // machine id -> grant
	loadErr error
}

func NewFilter(fetcher GrantFetcher, log *logrus.Logger) *Filter {
	return &Filter{
		fetcher: fetcher,
		log:     log.WithField("component", "permissions"),
		grants:  make(map[string]models.PermissionGrant),
	}
}

// Load resolves the user's access once per session. Elevated roles get
// AllAccess without touching the network. For scoped roles a fetch failure
// fails closed: the visible set is empty and the error is kept for callers
// to surface.
func (f *Filter) Load(ctx context.Context, userID, role string) error {
	f.mu.Lock()
	f.userID = userID
	f.role = role
	f.loaded = true
	f.loadErr = nil
	f.grants = make(map[string]models.PermissionGrant)
	if IsElevatedRole(role) {
		f.all = true
		f.mu.Unlock()
		f.log.WithFields(logrus.Fields{"userId": userID, "role": role}).Debug("all-access role, grants not fetched")
		return nil
	}
	f.all = false
	f.mu.Unlock()

	grants, err := f.fetcher.FetchGrants(ctx, userID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.loadErr = err
		f.log.WithError(err).WithField("userId", userID).Error("permission fetch failed, failing closed")
		return err
	}
	for _, g := range grants {
		if g.MachineID == "" {
			continue
		}
		f.grants[g.MachineID] = g
	}
	f.log.WithFields(logrus.Fields{"userId": userID, "grants": len(f.grants)}).Info("permissions loaded")
	return nil
}

// Refresh re-runs Load for the same user and role. There is no partial
// invalidation; the whole grant set is replaced.
func (f *Filter) Refresh(ctx context.Context) error {
	f.mu.RLock()
	if !f.loaded {
		f.mu.RUnlock()
		return ErrNotLoaded
	}
	userID, role := f.userID, f.role
	f.mu.RUnlock()
	return f.Load(ctx, userID, role)
}

// LoadError returns the error from the last Load, if any.
func (f *Filter) LoadError() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loadErr
}

// HasPermission reports whether the user holds the capability for the
// machine. Elevated roles always do; scoped roles default to false when no
// grant exists.
func (f *Filter) HasPermission(machineID string, cap Capability) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.all {
		return true
	}
	g, ok := f.grants[machineID]
	if !ok {
		return false
	}
	return grantAllows(g, cap)
}

// FilterMachines returns the order-preserving subset of machines the user
// holds the capability for. For elevated roles the input is returned
// unchanged.
func (f *Filter) FilterMachines(machines []models.MachineState, cap Capability) []models.MachineState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.all {
		return machines
	}
	out := make([]models.MachineState, 0, len(machines))
	for _, m := range machines {
		if g, ok := f.grants[m.ID]; ok && grantAllows(g, cap) {
			out = append(out, m)
		}
	}
	return out
}

// AccessibleIDs lists the machine ids granted the capability, sorted order
// not guaranteed. For elevated roles it returns nil: the accessible set is
// unbounded rather than enumerable.
func (f *Filter) AccessibleIDs(cap Capability) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.all {
		return nil
	}
	ids := make([]string, 0, len(f.grants))
	for id, g := range f.grants {
		if grantAllows(g, cap) {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetStats counts the loaded grants per capability. Elevated roles get
// UnboundedCount in every field.
func (f *Filter) GetStats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.all {
		return Stats{
			Total:    UnboundedCount,
			Viewable: UnboundedCount,
			Operable: UnboundedCount,
			Editable: UnboundedCount,
		}
	}
	s := Stats{Total: len(f.grants)}
	for _, g := range f.grants {
		if g.CanView {
			s.Viewable++
		}
		if g.CanOperate {
			s.Operable++
		}
		if g.CanEdit {
			s.Editable++
		}
	}
	return s
}

func grantAllows(g models.PermissionGrant, cap Capability) bool {
	switch cap {
	case CanView:
		return g.CanView
	case CanOperate:
		return g.CanOperate
	case CanEdit:
		return g.CanEdit
	default:
		return false
	}
}
