package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bastion-project/bastion/internal/auth"
	"github.com/bastion-project/bastion/internal/cache"
	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/connector"
	"github.com/bastion-project/bastion/internal/db"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/match"
	"github.com/bastion-project/bastion/internal/network"
	"github.com/bastion-project/bastion/internal/protocol"
	"github.com/bastion-project/bastion/internal/util"
)

// rejectGrace is how long a refused peer is kept so the refusal can reach it.
const rejectGrace = 250 * time.Millisecond

// Transport is the part of network.Transport the manager drives.
type Transport interface {
	Poll() []network.Event
	Send(id network.PeerID, msg protocol.Message, rel network.Reliability) error
	Disconnect(id network.PeerID, reason string)
	SetState(id network.PeerID, s network.PeerState) error
	Peers() []network.PeerInfo
	Stats() network.Stats
}

// Deps are the collaborators a Manager wires into its sessions. Bonuses,
// Replays and Orchestrator may be nil.
type Deps struct {
	Transport     Transport
	Authenticator *auth.Authenticator
	Loader        match.LoadoutLoader
	Bonuses       *cache.BonusCache
	Replays       *db.ReplayStore
	Orchestrator  *connector.OrchestratorClient
	EventBus      *events.EventBus
	Lag           *LagMonitor
}

// Manager owns every session on the host. Its service loop is the only
// reader of the transport: it admits peers, answers pings and routes each
// admitted peer's messages into the owning session's queue.
type Manager struct {
	mu sync.RWMutex

	cfg     *config.Config
	deps    Deps
	catalog *match.Catalog
	logger  zerolog.Logger

	// Sessions indexed by match id, and roster users to their match
	sessions map[string]*Instance
	users    map[string]string

	// Service loop only
	peers  map[network.PeerID]*peerState
	authCh chan authResult

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	startedAt    time.Time
}

// NewManager creates the manager and loads the tower catalog.
func NewManager(cfg *config.Config, deps Deps) (*Manager, error) {
	if deps.Transport == nil || deps.Authenticator == nil {
		return nil, errors.New("manager requires a transport and an authenticator")
	}
	if deps.EventBus == nil {
		deps.EventBus = events.NewEventBus()
	}
	if deps.Lag == nil {
		deps.Lag = NewLagMonitor(deps.EventBus, cfg.GetApplicationData().Timers.LagAlertCount)
	}

	catalog, err := match.LoadCatalog(cfg.GetServerData().Session.CatalogFile)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		deps:      deps,
		catalog:   catalog,
		logger:    util.ComponentLogger("manager"),
		sessions:  make(map[string]*Instance),
		users:     make(map[string]string),
		peers:     make(map[network.PeerID]*peerState),
		authCh:    make(chan authResult, 256),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}, nil
}

// Serve runs the service loop at the simulation tick rate until ctx is
// cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	rate := m.cfg.GetServerData().Session.TickRate
	if rate <= 0 {
		rate = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	m.logger.Info().Int("tick_rate", rate).Msg("session manager serving")
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.step(now)
		}
	}
}

// step polls the transport once and applies finished verifications.
func (m *Manager) step(now time.Time) {
	for _, ev := range m.deps.Transport.Poll() {
		switch ev.Kind {
		case network.EventConnected:
			m.peers[ev.Peer] = newPeerState(ev.Peer, now)
		case network.EventDisconnected:
			m.onDisconnected(ev)
		case network.EventReceived:
			m.onReceived(ev, now)
		}
	}

	for {
		select {
		case r := <-m.authCh:
			m.onAuthResult(r, now)
		default:
			return
		}
	}
}

func (m *Manager) onDisconnected(ev network.Event) {
	p, ok := m.peers[ev.Peer]
	if !ok {
		return
	}
	delete(m.peers, ev.Peer)
	if p.stage != stageJoined {
		return
	}
	if inst := m.instance(p.matchID); inst != nil {
		inst.session.Enqueue(match.Leave{Peer: uint32(ev.Peer), Reason: ev.Reason})
	}
}

func (m *Manager) onReceived(ev network.Event, now time.Time) {
	p, ok := m.peers[ev.Peer]
	if !ok {
		// Delivered before the connect event was polled.
		p = newPeerState(ev.Peer, now)
		m.peers[ev.Peer] = p
	}

	switch ev.Type {
	case protocol.TypePing:
		m.pong(p, ev)
		return
	case protocol.TypeDisconnect:
		m.deps.Transport.Disconnect(p.id, network.ReasonRemote)
		return
	}

	if p.stage == stageJoined {
		m.route(p, ev)
		return
	}

	msg, err := protocol.Unmarshal(ev.Type, ev.Payload)
	if err != nil {
		m.sendError(p.id, 0, protocol.ErrCodeMalformedPacket, err.Error())
		return
	}

	switch p.stage {
	case stageConnecting:
		connect, ok := msg.(protocol.Connect)
		if !ok {
			m.sendError(p.id, protocol.RequestID(msg), protocol.ErrCodeNotAuthenticated, "connect first")
			return
		}
		m.onConnect(p, connect, now)

	case stageAuthenticating:
		req, ok := msg.(protocol.AuthRequest)
		if !ok {
			m.sendError(p.id, protocol.RequestID(msg), protocol.ErrCodeNotAuthenticated, "authenticate first")
			return
		}
		m.verify(p, req, now)

	case stageVerifying:
		m.sendError(p.id, protocol.RequestID(msg), protocol.ErrCodeNotAuthenticated, "authentication in progress")
	}
}

func (m *Manager) onConnect(p *peerState, c protocol.Connect, now time.Time) {
	if err := m.deps.Authenticator.CheckVersion(c.ProtocolVersion); err != nil {
		m.logger.Info().Uint32("peer_id", uint32(p.id)).Uint16("version", c.ProtocolVersion).Msg("refusing peer with another protocol version")
		m.sendError(p.id, 0, protocol.ErrCodeVersionMismatch, err.Error())
		m.dropLater(p.id, "version_mismatch")
		return
	}

	sd := m.cfg.GetServerData()
	m.deps.Transport.Send(p.id, protocol.ConnectAck{
		PeerID:          uint32(p.id),
		ProtocolVersion: protocol.ProtocolVersion,
		TickRate:        uint16(sd.Session.TickRate),
		ServerName:      sd.Name,
	}, network.ReliableOrdered)
	m.deps.Transport.SetState(p.id, network.PeerAuthenticating)
	p.advance(stageAuthenticating, now)
}

// verify hands the token to the authenticator off the service loop.
func (m *Manager) verify(p *peerState, req protocol.AuthRequest, now time.Time) {
	p.advance(stageVerifying, now)
	p.requestID = req.RequestID

	go func(peer network.PeerID) {
		id, err := m.deps.Authenticator.Authenticate(m.ctx, req.Token)
		select {
		case m.authCh <- authResult{peer: peer, requestID: req.RequestID, identity: id, err: err}:
		case <-m.ctx.Done():
		}
	}(p.id)
}

func (m *Manager) onAuthResult(r authResult, now time.Time) {
	p, ok := m.peers[r.peer]
	if !ok || p.stage != stageVerifying {
		return
	}

	if r.err != nil {
		m.logger.Info().Err(r.err).Uint32("peer_id", uint32(r.peer)).Msg("authentication failed")
		m.refuse(p, auth.Code(r.err), r.err.Error())
		return
	}

	inst, code := m.assign(r.identity.UserID)
	if inst == nil {
		m.refuse(p, code, "no session for this user")
		return
	}

	err := inst.session.Enqueue(match.Join{
		Peer:        uint32(p.id),
		RequestID:   r.requestID,
		UserID:      r.identity.UserID,
		CharacterID: r.identity.CharacterID,
		Name:        r.identity.Name,
	})
	switch {
	case errors.Is(err, match.ErrSessionEnded):
		m.refuse(p, protocol.ErrCodeMatchAlreadyStarted, "match has ended")
		return
	case err != nil:
		m.refuse(p, protocol.ErrCodeInternal, "session is busy")
		return
	}

	p.identity = r.identity
	p.matchID = inst.session.MatchID()
	p.advance(stageJoined, now)
}

// refuse answers a pending AuthRequest with a failure and drops the peer.
func (m *Manager) refuse(p *peerState, code protocol.ErrorCode, text string) {
	m.deps.Transport.Send(p.id, protocol.AuthResponse{
		RequestID: p.requestID,
		Success:   false,
		Code:      code,
		Message:   text,
	}, network.ReliableOrdered)
	m.dropLater(p.id, code.String())
}

// route forwards an admitted peer's message to its session. Messages for a
// session that has ended are answered here.
func (m *Manager) route(p *peerState, ev network.Event) {
	inst := m.instance(p.matchID)
	if inst == nil {
		m.answerEnded(p, ev)
		return
	}

	err := inst.session.Enqueue(match.Message{Peer: uint32(p.id), Type: ev.Type, Payload: ev.Payload})
	switch {
	case errors.Is(err, match.ErrSessionEnded):
		m.answerEnded(p, ev)
	case errors.Is(err, match.ErrQueueFull):
		m.sendError(p.id, 0, protocol.ErrCodeRateLimited, "session queue full")
	}
}

func (m *Manager) answerEnded(p *peerState, ev network.Event) {
	msg, err := protocol.Unmarshal(ev.Type, ev.Payload)
	if err != nil {
		return
	}
	code := protocol.ErrCodeMatchNotStarted
	if ev.Type == protocol.TypeReadyState {
		code = protocol.ErrCodeMatchAlreadyStarted
	}
	m.sendError(p.id, protocol.RequestID(msg), code, "match has ended")
}

func (m *Manager) pong(p *peerState, ev network.Event) {
	ping, err := protocol.DecodeAs[protocol.Ping](ev.Payload)
	if err != nil {
		return
	}
	var tick uint64
	if inst := m.instance(p.matchID); inst != nil {
		tick = inst.session.Status().Tick
	}
	m.deps.Transport.Send(p.id, protocol.Pong{
		ClientTime: ping.ClientTime,
		ServerTime: time.Now().UnixMilli(),
		ServerTick: tick,
	}, network.Unreliable)
}

func (m *Manager) sendError(id network.PeerID, requestID uint32, code protocol.ErrorCode, text string) {
	m.deps.Transport.Send(id, protocol.Error{RequestID: requestID, Code: code, Message: text}, network.ReliableOrdered)
}

// dropLater disconnects a peer after the grace period. Safe from any goroutine.
func (m *Manager) dropLater(id network.PeerID, reason string) {
	time.AfterFunc(rejectGrace, func() {
		m.deps.Transport.Disconnect(id, reason)
	})
}

// assign picks the session a user joins: the session whose roster lists
// them, otherwise the oldest open lobby without a roster.
func (m *Manager) assign(userID string) (*Instance, protocol.ErrorCode) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if matchID, ok := m.users[userID]; ok {
		if inst, ok := m.sessions[matchID]; ok {
			return inst, protocol.ErrCodeNone
		}
	}

	var best *Instance
	for _, inst := range m.sessions {
		if len(inst.roster) > 0 || !inst.open() {
			continue
		}
		if best == nil || inst.createdAt.Before(best.createdAt) ||
			(inst.createdAt.Equal(best.createdAt) && inst.session.MatchID() < best.session.MatchID()) {
			best = inst
		}
	}
	if best == nil {
		return nil, protocol.ErrCodeNotInRoster
	}
	return best, protocol.ErrCodeNone
}

func (m *Manager) instance(matchID string) *Instance {
	if matchID == "" {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[matchID]
}

// Shutdown aborts every session, waits for their teardown and disconnects
// the remaining peers.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.sessions))
	for _, inst := range m.sessions {
		insts = append(insts, inst)
	}
	m.mu.RUnlock()

	m.logger.Info().Int("sessions", len(insts)).Msg("shutting down sessions")
	for _, inst := range insts {
		if err := inst.session.Enqueue(match.Shutdown{Reason: network.ReasonShutdown}); err != nil {
			inst.session.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn().Msg("sessions did not finish in time, stopping")
		for _, inst := range insts {
			inst.session.Stop()
		}
		<-done
	}

	for _, p := range m.deps.Transport.Peers() {
		m.deps.Transport.Disconnect(p.ID, network.ReasonShutdown)
	}
	m.cancel()
	m.logger.Info().Msg("session manager stopped")
}
