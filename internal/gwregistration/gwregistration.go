// Package gwregistration implements gateway indirect-registration
// (spec §4.2 step 3, §4.3): a gateway device enrolls attached devices
// that cannot activate themselves, tracking their hardware-ID-to-
// endpoint-ID mapping for the lifetime of the process.
package gwregistration

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"devicegateway/internal/activation"
)

// Registry tracks attached devices registered indirectly through this
// gateway.
type Registry struct {
	logger    *zap.Logger
	activator *activation.Activator

	mu      sync.RWMutex
	byHWID  map[string]string // hardwareId -> endpointId
}

// NewRegistry builds a gateway registration registry bound to activator.
func NewRegistry(logger *zap.Logger, activator *activation.Activator) *Registry {
	return &Registry{
		logger:    logger.Named("gwregistration"),
		activator: activator,
		byHWID:    make(map[string]string),
	}
}

// Register activates an attached device identified by hardwareID under
// this gateway's endpoint, returning its assigned endpointId. Repeated
// calls for an already-registered hardwareID return the cached
// endpointId without a round trip.
func (r *Registry) Register(ctx context.Context, poster activation.Poster, hardwareID string, deviceModels []string) (string, error) {
	r.mu.RLock()
	if endpointID, ok := r.byHWID[hardwareID]; ok {
		r.mu.RUnlock()
		return endpointID, nil
	}
	r.mu.RUnlock()

	endpointID, err := r.activator.ActivateIndirect(ctx, poster, hardwareID, deviceModels)
	if err != nil {
		return "", fmt.Errorf("gwregistration: register %s: %w", hardwareID, err)
	}

	r.mu.Lock()
	r.byHWID[hardwareID] = endpointID
	r.mu.Unlock()

	r.logger.Info("attached device registered", zap.String("hardwareId", hardwareID), zap.String("endpointId", endpointID))
	return endpointID, nil
}

// EndpointFor returns the endpointId previously assigned to hardwareID, if any.
func (r *Registry) EndpointFor(hardwareID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpointID, ok := r.byHWID[hardwareID]
	return endpointID, ok
}

// Deregister drops a device from this gateway's tracked set (spec
// §4.3's deregistration operation) without notifying the server — a
// full deregistration round trip is a server-side policy-driven
// Non-goal for the device runtime (spec §7).
func (r *Registry) Deregister(hardwareID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHWID, hardwareID)
}

// Attached returns every hardware ID currently registered under this gateway.
func (r *Registry) Attached() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byHWID))
	for hwid := range r.byHWID {
		out = append(out, hwid)
	}
	return out
}
