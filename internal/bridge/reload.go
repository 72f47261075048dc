package bridge

import (
	"context"
	"log"

	"github.com/remote-control-bridge/host/internal/model"
)

// Startup is the initial host-start hook: it connects only when the
// auto-connect setting is enabled. Main thread only.
func (s *Service) Startup() {
	if !s.settings.AutoConnect {
		return
	}
	if err := s.Connect(); err != nil {
		log.Printf("bridge: auto-connect on startup failed: %v", err)
	}
}

// WillReload is the imminent-reload hook: the host is about to discard all
// in-memory state. If the bridge is live, the reload flag is persisted to
// durable storage synchronously, before the reset can occur.
func (s *Service) WillReload(ctx context.Context) {
	if s.state == model.StateDisconnected {
		return
	}
	if s.states == nil {
		log.Printf("bridge: no durable store, connection will not survive reload")
		return
	}
	if err := s.states.SetReloadPending(ctx); err != nil {
		log.Printf("bridge: failed to persist reload flag: %v", err)
		return
	}
	log.Printf("bridge: reload imminent, persisted reconnect flag (state %s)", s.state)
}

// DidReload is the post-reload hook: the host resumed with fresh memory. A
// set flag is consumed (deleted) and forces a reconnect regardless of the
// auto-connect setting, since this is a recovery rather than a startup.
// Without a flag, the normal auto-connect behavior applies.
func (s *Service) DidReload(ctx context.Context) {
	pending := false
	if s.states != nil {
		var err error
		pending, err = s.states.ReloadPending(ctx)
		if err != nil {
			log.Printf("bridge: failed to read reload flag: %v", err)
		}
	}

	if pending {
		if err := s.states.ClearReloadPending(ctx); err != nil {
			log.Printf("bridge: failed to clear reload flag: %v", err)
		}
		log.Printf("bridge: resuming connection after reload")
		if err := s.Connect(); err != nil {
			log.Printf("bridge: reconnect after reload failed: %v", err)
		}
		return
	}

	s.Startup()
}
