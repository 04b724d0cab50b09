package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/events"
	"github.com/pointdeck/pointdeck/go/internal/models"
	"github.com/pointdeck/pointdeck/go/internal/presence"
)

// DefaultSTUNServers is the fixed ICE server list. No TURN fallback: symmetric
// NATs may fail to connect, a known limitation.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// PeerPhase is the negotiation state of one peer connection.
type PeerPhase string

const (
	PeerNew           PeerPhase = "NEW"
	PeerOfferSent     PeerPhase = "OFFER_SENT"
	PeerOfferReceived PeerPhase = "OFFER_RECEIVED"
	PeerAnswered      PeerPhase = "ANSWERED"
	PeerConnected     PeerPhase = "CONNECTED"
	PeerClosed        PeerPhase = "CLOSED"
)

// ErrInvalidTransition means a signal arrived in a state that cannot accept
// it. The affected peer is abandoned; the rest of the mesh is untouched.
var ErrInvalidTransition = errors.New("invalid peer transition")

// Peer is the bookkeeping for one full-mesh edge.
type Peer struct {
	RemoteID uuid.UUID
	Phase    PeerPhase
}

// MediaState tracks which local tracks are live. Device failure degrades
// video→audio→none without ever dropping call membership.
type MediaState struct {
	Video bool
	Audio bool
}

// Callbacks let the embedding client drive its WebRTC runtime. The mesh owns
// negotiation state and signal routing; SDP and ICE bodies stay opaque.
type Callbacks struct {
	// CreateOffer is invoked when the mesh decides the local side initiates
	// toward remoteID. It returns the SDP offer to relay.
	CreateOffer func(remoteID uuid.UUID) (json.RawMessage, error)
	// CreateAnswer is invoked with a remote offer and returns the SDP answer.
	CreateAnswer func(remoteID uuid.UUID, offer json.RawMessage) (json.RawMessage, error)
	// AcceptAnswer delivers the remote answer for a previously sent offer.
	AcceptAnswer func(remoteID uuid.UUID, answer json.RawMessage) error
	// AddICECandidate delivers one relayed remote candidate.
	AddICECandidate func(remoteID uuid.UUID, candidate json.RawMessage) error
	// ClosePeer tears down the underlying connection.
	ClosePeer func(remoteID uuid.UUID)
}

// Mesh maintains the full-mesh call topology for one replica: every pair of
// active call participants holds one direct peer connection. Call membership
// is the InCall flag on the presence record, not session membership.
type Mesh struct {
	sessionID uuid.UUID
	channel   broadcast.Channel
	tracker   *presence.Tracker
	callbacks Callbacks

	mu     sync.Mutex
	inCall bool
	media  MediaState
	peers  map[uuid.UUID]*Peer
}

// NewMesh creates a mesh bound to the presence tracker it reads call
// membership from.
func NewMesh(sessionID uuid.UUID, channel broadcast.Channel, tracker *presence.Tracker, callbacks Callbacks) *Mesh {
	return &Mesh{
		sessionID: sessionID,
		channel:   channel,
		tracker:   tracker,
		callbacks: callbacks,
		peers:     make(map[uuid.UUID]*Peer),
	}
}

// InCall reports local call membership.
func (m *Mesh) InCall() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inCall
}

// Media returns the local media state.
func (m *Mesh) Media() MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.media
}

// Peers returns a snapshot of the mesh edges.
func (m *Mesh) Peers() []Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, *p)
	}
	return peers
}

// JoinCall marks the local participant in-call and publishes the updated
// presence record. Existing call members observe the flag flip and initiate
// offers toward us; the newcomer only answers.
func (m *Mesh) JoinCall(ctx context.Context, media MediaState) error {
	m.mu.Lock()
	if m.inCall {
		m.mu.Unlock()
		return nil
	}
	m.inCall = true
	m.media = media
	m.mu.Unlock()

	return m.tracker.UpdateSelf(ctx, func(p *models.Participant) {
		p.InCall = true
		p.VideoEnabled = media.Video
		p.AudioEnabled = media.Audio
	})
}

// LeaveCall closes every peer connection and clears the in-call flag.
// Idempotent: explicit leave, presence teardown and session close all land here.
func (m *Mesh) LeaveCall(ctx context.Context) error {
	m.mu.Lock()
	if !m.inCall {
		m.mu.Unlock()
		return nil
	}
	m.inCall = false
	m.media = MediaState{}
	remotes := make([]uuid.UUID, 0, len(m.peers))
	for id := range m.peers {
		remotes = append(remotes, id)
	}
	m.peers = make(map[uuid.UUID]*Peer)
	m.mu.Unlock()

	for _, id := range remotes {
		if m.callbacks.ClosePeer != nil {
			m.callbacks.ClosePeer(id)
		}
	}

	return m.tracker.UpdateSelf(ctx, func(p *models.Participant) {
		p.InCall = false
		p.VideoEnabled = false
		p.AudioEnabled = false
	})
}

// SetMedia updates local track availability. A device failure downgrades to
// whatever still works; membership and remote tracks are unaffected. Track
// swaps go through replaceTrack on existing senders, not renegotiation, so no
// signaling is needed beyond the presence flags.
func (m *Mesh) SetMedia(ctx context.Context, media MediaState) error {
	m.mu.Lock()
	if !m.inCall {
		m.mu.Unlock()
		return nil
	}
	m.media = media
	m.mu.Unlock()

	return m.tracker.UpdateSelf(ctx, func(p *models.Participant) {
		p.VideoEnabled = media.Video
		p.AudioEnabled = media.Audio
	})
}

// HandlePresence reacts to roster changes: a remote entering the call gets an
// offer from us (we were here first), a remote leaving the call or the
// session gets its peer connection reclaimed. Ghost entries resolve the same
// way once presence reaps them.
func (m *Mesh) HandlePresence(ctx context.Context, change presence.RosterChange) {
	remote := change.Participant
	self := m.tracker.Self()
	if remote.UserID == self.UserID {
		return
	}

	m.mu.Lock()
	inCall := m.inCall
	_, hasPeer := m.peers[remote.UserID]
	m.mu.Unlock()

	if !inCall {
		return
	}

	switch {
	case change.Kind == presence.ChangeLeft, !remote.InCall:
		if hasPeer {
			m.closePeer(remote.UserID)
		}
	case remote.InCall && !hasPeer:
		if err := m.sendOffer(ctx, remote.UserID); err != nil {
			log.Warn().Err(err).Str("peer", remote.UserID.String()).Msg("offer failed, abandoning peer")
			m.closePeer(remote.UserID)
		}
	}
}

// HandleSignal routes one relayed negotiation message. Signals addressed to
// someone else are ignored. A signal that is illegal in the peer's current
// phase abandons that peer only.
func (m *Mesh) HandleSignal(ctx context.Context, ev events.Event) {
	payload, err := events.ParsePayload(ev)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed video signal")
		return
	}
	sig, ok := payload.(events.VideoSignalPayload)
	if !ok {
		return
	}
	if sig.To != m.tracker.Self().UserID {
		return
	}

	var handleErr error
	switch sig.Kind {
	case events.SignalOffer:
		handleErr = m.handleOffer(ctx, sig)
	case events.SignalAnswer:
		handleErr = m.handleAnswer(sig)
	case events.SignalICECandidate:
		handleErr = m.handleCandidate(sig)
	}
	if handleErr != nil {
		log.Warn().
			Err(handleErr).
			Str("kind", string(sig.Kind)).
			Str("peer", sig.From.String()).
			Msg("peer negotiation failed, abandoning peer")
		m.closePeer(sig.From)
	}
}

// MarkConnected records that the transport reached connected state for a
// peer, completing its state machine.
func (m *Mesh) MarkConnected(remoteID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[remoteID]
	if !ok {
		return fmt.Errorf("%w: connected for unknown peer %s", ErrInvalidTransition, remoteID)
	}
	if peer.Phase != PeerAnswered && peer.Phase != PeerOfferReceived {
		return fmt.Errorf("%w: connected from %s", ErrInvalidTransition, peer.Phase)
	}
	peer.Phase = PeerConnected
	return nil
}

// SendICECandidate relays a locally discovered candidate to one peer.
// Candidates flow individually as discovery happens.
func (m *Mesh) SendICECandidate(ctx context.Context, remoteID uuid.UUID, candidate json.RawMessage) error {
	return m.publishSignal(ctx, events.SignalICECandidate, remoteID, candidate)
}

func (m *Mesh) sendOffer(ctx context.Context, remoteID uuid.UUID) error {
	if m.callbacks.CreateOffer == nil {
		return errors.New("no CreateOffer callback")
	}
	offer, err := m.callbacks.CreateOffer(remoteID)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	m.mu.Lock()
	m.peers[remoteID] = &Peer{RemoteID: remoteID, Phase: PeerOfferSent}
	m.mu.Unlock()

	return m.publishSignal(ctx, events.SignalOffer, remoteID, offer)
}

func (m *Mesh) handleOffer(ctx context.Context, sig events.VideoSignalPayload) error {
	self := m.tracker.Self().UserID

	m.mu.Lock()
	if !m.inCall {
		m.mu.Unlock()
		return nil
	}
	if peer, ok := m.peers[sig.From]; ok && peer.Phase != PeerNew && peer.Phase != PeerClosed {
		if peer.Phase != PeerOfferSent {
			m.mu.Unlock()
			return fmt.Errorf("%w: offer while %s", ErrInvalidTransition, peer.Phase)
		}
		// Glare: both sides offered at once. The tie breaks on user id; the
		// lower id keeps its offer and ignores the incoming one, the higher
		// id yields and answers instead.
		if bytes.Compare(self[:], sig.From[:]) < 0 {
			m.mu.Unlock()
			return nil
		}
	}
	m.peers[sig.From] = &Peer{RemoteID: sig.From, Phase: PeerOfferReceived}
	m.mu.Unlock()

	if m.callbacks.CreateAnswer == nil {
		return errors.New("no CreateAnswer callback")
	}
	answer, err := m.callbacks.CreateAnswer(sig.From, sig.Data)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	return m.publishSignal(ctx, events.SignalAnswer, sig.From, answer)
}

func (m *Mesh) handleAnswer(sig events.VideoSignalPayload) error {
	m.mu.Lock()
	peer, ok := m.peers[sig.From]
	if !ok || peer.Phase != PeerOfferSent {
		phase := PeerNew
		if ok {
			phase = peer.Phase
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: answer while %s", ErrInvalidTransition, phase)
	}
	peer.Phase = PeerAnswered
	m.mu.Unlock()

	if m.callbacks.AcceptAnswer == nil {
		return nil
	}
	return m.callbacks.AcceptAnswer(sig.From, sig.Data)
}

func (m *Mesh) handleCandidate(sig events.VideoSignalPayload) error {
	m.mu.Lock()
	_, ok := m.peers[sig.From]
	m.mu.Unlock()
	if !ok {
		// Candidates can outrun the offer on an unordered channel; dropping
		// is safe, trickle ICE resends via the connectivity checks.
		log.Debug().Str("peer", sig.From.String()).Msg("candidate before offer, dropped")
		return nil
	}
	if m.callbacks.AddICECandidate == nil {
		return nil
	}
	return m.callbacks.AddICECandidate(sig.From, sig.Data)
}

func (m *Mesh) closePeer(remoteID uuid.UUID) {
	m.mu.Lock()
	_, ok := m.peers[remoteID]
	delete(m.peers, remoteID)
	m.mu.Unlock()

	if ok && m.callbacks.ClosePeer != nil {
		m.callbacks.ClosePeer(remoteID)
	}
}

func (m *Mesh) publishSignal(ctx context.Context, kind events.SignalKind, to uuid.UUID, data json.RawMessage) error {
	self := m.tracker.Self()
	ev, err := events.New(m.sessionID, self.UserID, events.EventVideoSignal, events.VideoSignalPayload{
		Kind:      kind,
		From:      self.UserID,
		To:        to,
		SessionID: m.sessionID,
		Data:      data,
	})
	if err != nil {
		return err
	}
	return m.channel.Publish(ctx, ev)
}
