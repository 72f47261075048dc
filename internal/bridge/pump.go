package bridge

import (
	"fmt"
	"log"
	"time"

	"github.com/remote-control-bridge/host/internal/model"
)

// Tick advances the bridge by one host tick. It is cooperative: the host
// calls it from its single main thread, it never blocks, and it never runs
// concurrently with itself.
func (s *Service) Tick() {
	s.tick(time.Now())
}

// tick is the pump body with an injectable clock for tests.
func (s *Service) tick(now time.Time) {
	s.drainActions()
	s.drainCommands()
	s.tickHeartbeat(now)
	s.tickContextPush(now)
	s.publishStatus()
}

// drainActions runs every queued main-thread action: connection state
// transitions, socket registrations and closed notifications enqueued by the
// background goroutines. This is the only place those actions execute, so
// host-state mutation is never concurrent.
func (s *Service) drainActions() {
	for {
		select {
		case fn := <-s.actions:
			fn()
		default:
			return
		}
	}
}

// drainCommands dispatches every queued inbound command and sends its result.
func (s *Service) drainCommands() {
	for {
		select {
		case cmd := <-s.commands:
			s.dispatch(cmd)
		default:
			return
		}
	}
}

// dispatch runs one command through the executor gateway and answers with a
// commandResult envelope. A failing or panicking executor yields a failed
// result; it never aborts the tick or closes the connection.
func (s *Service) dispatch(cmd model.Command) {
	result, err := s.execute(cmd)
	if err != nil {
		log.Printf("bridge: command %s (%s) failed: %v", cmd.CommandID, cmd.ToolName, err)
		s.send(model.NewCommandError(cmd.CommandID, err.Error()))
	} else {
		s.send(model.NewCommandResult(cmd.CommandID, result))
	}
	s.commandsHandled++
}

// execute invokes the external executor, converting panics into errors so a
// misbehaving tool cannot take down the pump.
func (s *Service) execute(cmd model.Command) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	if s.exec == nil {
		return nil, &model.CommandError{Tool: cmd.ToolName, Message: "no executor configured"}
	}
	return s.exec.Execute(cmd.ToolName, cmd.Payload)
}

// tickHeartbeat emits a heartbeat when connected and the interval has
// elapsed. The first connected tick only stamps the clock, so heartbeats are
// paced from attach time.
func (s *Service) tickHeartbeat(now time.Time) {
	if s.state != model.StateConnected {
		return
	}
	if s.lastHeartbeat.IsZero() {
		s.lastHeartbeat = now
		return
	}
	if now.Sub(s.lastHeartbeat) < s.settings.HeartbeatInterval {
		return
	}

	s.send(model.NewHeartbeat())
	s.lastHeartbeat = now
	s.heartbeatsSent++
}

// tickContextPush emits a throttled contextUpdate when one is owed. A
// PushContextNow request bypasses the throttle exactly once.
func (s *Service) tickContextPush(now time.Time) {
	if s.state != model.StateConnected || !s.contextDirty {
		return
	}
	if !s.pushImmediate && !s.lastPush.IsZero() && now.Sub(s.lastPush) < s.settings.PushInterval {
		return
	}

	var payload map[string]any
	if s.contexts != nil {
		payload = s.contexts()
	}
	s.send(model.NewContextUpdate(payload))
	s.contextDirty = false
	s.pushImmediate = false
	s.lastPush = now
}
