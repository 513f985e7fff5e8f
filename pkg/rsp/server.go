/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package rsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/microsoft/gdbrsp/pkg/resiliency"
)

// HandlerFunc answers one decoded request on a server connection.
type HandlerFunc func(ctx context.Context, conn *ServerConn, cmd Command) Reply

// Server exposes a Target to debuggers. Each accepted transport gets its own ServerConn;
// requests are dispatched by command tag to handlers. Unregistered tags are answered with
// the empty reply, which tells the client the command is not supported.
type Server struct {
	target   Target
	cfg      Config
	log      logr.Logger
	handlers map[string]HandlerFunc
	features []Feature
}

// NewServer creates a server with the default handlers registered.
func NewServer(target Target, cfg Config) (*Server, error) {
	if target == nil {
		return nil, errors.New("a target is required")
	}
	if validationErr := cfg.Validate(RoleServer); validationErr != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", validationErr)
	}
	cfg = cfg.withDefaults(RoleServer)

	s := &Server{
		target:   target,
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: map[string]HandlerFunc{},
	}
	s.features = cfg.Features
	if s.features == nil {
		s.features = defaultServerFeatures(target, cfg)
	}
	registerDefaultHandlers(s)
	return s, nil
}

func defaultServerFeatures(target Target, cfg Config) []Feature {
	features := []Feature{
		{Name: FeaturePacketSize, Support: FeatureValue, Value: fmt.Sprintf("%x", cfg.PacketSize)},
		{Name: FeatureNoAckMode, Support: FeatureEnabled},
		{Name: FeatureMultiprocess, Support: FeatureEnabled},
		{Name: FeatureSwBreak, Support: FeatureEnabled},
		{Name: FeatureHwBreak, Support: FeatureEnabled},
		{Name: FeatureVContSupported, Support: FeatureEnabled},
		{Name: FeatureNoResumed, Support: FeatureEnabled},
		{Name: FeatureNonStop, Support: FeatureEnabled},
	}
	if _, ok := target.(SignalFilter); ok {
		features = append(features, Feature{Name: FeaturePassSignals, Support: FeatureEnabled})
	}
	if xp, ok := target.(XferProvider); ok {
		for _, object := range xp.XferObjects() {
			features = append(features, Feature{Name: xferFeaturePrefix + object + ":read", Support: FeatureEnabled})
		}
	}
	return features
}

// Handle registers (or replaces) the handler for a command tag. It must not be called while the server is serving.
func (s *Server) Handle(tag string, h HandlerFunc) {
	s.handlers[tag] = h
}

// Features returns the qSupported features the server replies with.
func (s *Server) Features() []Feature {
	return s.features
}

// ServeListener accepts connections until the context is done, serving each on its own goroutine.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept debugger connection: %w", acceptErr)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			log := s.log.WithValues("Remote", conn.RemoteAddr().String())
			if serveErr := s.Serve(ctx, NewStreamTransport(conn)); serveErr != nil {
				log.Error(serveErr, "Debugger connection ended with an error")
			}
		}()
	}
}

// Serve runs one connection until the transport closes, the client detaches or kills the target,
// or the context is done.
func (s *Server) Serve(ctx context.Context, t Transport) (err error) {
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	conn := &ServerConn{
		Session:       newSession(t, s.cfg, RoleServer),
		server:        s,
		ctx:           connCtx,
		generalThread: AnyThread,
		contThread:    AllThreads,
		stopEvents:    chanx.NewUnboundedChan[StopEvent](connCtx, 1),
	}
	log := conn.log
	defer func() {
		cancelConn()
		conn.watchers.Wait()
	}()
	defer func() { _ = conn.Close() }()
	defer func() {
		if panicVal := recover(); panicVal != nil {
			err = resiliency.MakePanicError(panicVal, "debugger connection", log)
		}
	}()

	log.Info("Debugger connected")
	for {
		if ev, found := conn.link.takeStashed(); found {
			if end, handleErr := conn.handleEvent(ev); end || handleErr != nil {
				return handleErr
			}
			continue
		}

		select {
		case <-connCtx.Done():
			return filterContextError(connCtx.Err(), connCtx, log)

		case ev, ok := <-conn.link.inbound():
			ev, recvErr := conn.link.received(ev, ok)
			if recvErr != nil {
				conn.terminate(recvErr)
				if isClosedError(recvErr) {
					log.Info("Debugger disconnected")
					return nil
				}
				return recvErr
			}
			if end, handleErr := conn.handleEvent(ev); end || handleErr != nil {
				return handleErr
			}

		case ev := <-conn.stopEvents.Out:
			if stopErr := conn.handleStop(ev); stopErr != nil {
				return stopErr
			}
		}
	}
}

// ServerConn is the server side of one debugger connection.
type ServerConn struct {
	*Session

	server *Server
	ctx    context.Context

	// Thread selections made with Hg and Hc.
	generalThread ThreadID
	contThread    ThreadID

	// running is set while an all-stop resume waits for the target to stop.
	running bool
	// Stop events from every resumed target channel, fanned in.
	stopEvents *chanx.UnboundedChan[StopEvent]
	// watchers tracks the goroutines forwarding resume channels into stopEvents.
	watchers   sync.WaitGroup
	lastStop   StopEvent
	hasStop    bool

	// Non-stop mode: stops not reported yet, and whether a %Stop notification awaits vStopped.
	pendingStops []StopEvent
	notifying    bool
}

// Target returns the target served on this connection.
func (c *ServerConn) Target() Target {
	return c.server.target
}

// GeneralThread returns the thread selected with Hg.
func (c *ServerConn) GeneralThread() ThreadID {
	return c.generalThread
}

// handleEvent processes one inbound event. It returns end=true when the session is over.
func (c *ServerConn) handleEvent(ev inboundEvent) (bool, error) {
	switch ev.kind {
	case eventPacket:
		return c.dispatch(ev.payload)

	case eventInterrupt:
		if !c.running {
			c.log.V(1).Info("Ignoring interrupt, target is not running")
			return false, nil
		}
		c.mu.Lock()
		c.setStateLocked(StateInterrupted)
		c.mu.Unlock()
		if interruptErr := c.server.target.Interrupt(c.ctx); interruptErr != nil {
			c.log.Error(interruptErr, "Failed to interrupt target")
		}
		return false, nil

	default:
		return false, nil
	}
}

func (c *ServerConn) dispatch(payload []byte) (bool, error) {
	tag := commandTag(payload)
	if c.running {
		c.log.Info("Ignoring request while the target is running", "Command", tag)
		return false, nil
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	var reply Reply
	h, found := c.server.handlers[tag]
	if !found {
		c.log.V(1).Info("Unsupported command", "Command", tag)
		reply = EmptyReply()
	} else if cmd, parseErr := ParseCommand(payload); parseErr != nil {
		c.log.Info("Invalid request", "Command", tag, "error", parseErr)
		reply = ErrorReply(errCodeInvalidArgument)
	} else {
		reply = h(c.ctx, c, cmd)
	}

	if reply.deferred {
		return false, nil
	}
	if sendErr := c.sendReply(reply); sendErr != nil {
		return true, sendErr
	}
	if reply.afterSend != nil {
		reply.afterSend()
	}
	if reply.endSession {
		c.terminate(fmt.Errorf("session ended by %s", tag))
		return true, nil
	}
	return false, nil
}

func (c *ServerConn) sendReply(reply Reply) error {
	if reply.Kind == ReplyStop {
		reply.Stop = c.stopForClient(reply.Stop)
	}
	if sendErr := c.link.sendPacket(c.ctx, reply.Payload(c.multiprocess())); sendErr != nil {
		c.terminate(sendErr)
		return filterContextError(sendErr, c.ctx, c.log)
	}
	return nil
}

// stopForClient drops stop reasons the client did not ask for.
func (c *ServerConn) stopForClient(ev StopEvent) StopEvent {
	if ev.Reason == ReasonSwBreak || ev.Reason == ReasonHwBreak {
		if !c.Features().Has(ev.Reason) {
			ev.Reason, ev.ReasonValue = "", ""
		}
	}
	return ev
}

// watch forwards the single stop event of a resume into the connection's stop fan-in.
// The goroutine ends when the event is forwarded or the connection ends; Serve waits for it before returning.
func (c *ServerConn) watch(stops <-chan StopEvent) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		select {
		case ev, ok := <-stops:
			if !ok {
				c.log.Info("Target closed its stop channel without reporting a stop")
				ev = StopEvent{Kind: StopSignal, Signal: SignalNone}
			}
			select {
			case c.stopEvents.In <- ev:
			case <-c.ctx.Done():
			}
		case <-c.ctx.Done():
		}
	}()
}

func (c *ServerConn) handleStop(ev StopEvent) error {
	c.lastStop, c.hasStop = ev, true

	if !c.NonStop() {
		if !c.running {
			c.log.Info("Discarding stop event, no resume is outstanding", "Stop", ev.String())
			return nil
		}
		c.running = false
		c.mu.Lock()
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		if sendErr := c.sendReply(StopReply(ev)); sendErr != nil {
			return sendErr
		}
		return nil
	}

	c.pendingStops = append(c.pendingStops, ev)
	return c.notifyStop()
}

// notifyStop sends a %Stop notification for the oldest pending stop unless one is already awaiting vStopped.
func (c *ServerConn) notifyStop() error {
	if c.notifying || len(c.pendingStops) == 0 {
		return nil
	}
	ev := c.pendingStops[0]
	c.pendingStops = c.pendingStops[1:]
	c.notifying = true

	payload := append([]byte("Stop:"), c.stopForClient(ev).Payload(c.multiprocess())...)
	if sendErr := c.link.sendNotification(payload); sendErr != nil {
		c.terminate(sendErr)
		return filterContextError(sendErr, c.ctx, c.log)
	}
	return nil
}
