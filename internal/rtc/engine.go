// Package rtc drives WebRTC peer negotiation for calls and rooms: one peer
// connection per remote participant, offer/answer/ICE exchange over the
// signaling channel, and inbound media surfaced as track events.
package rtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

// Role records which side of a pair originated the offer. Join order decides
// it: the receiver of existing-participants offers, the receiver of
// user-joined answers. The split prevents offer glare.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAnswerer  Role = "answerer"
)

// DefaultMaxICERestarts bounds recovery attempts for a failed ICE path.
// After the budget is spent OnPeerFailed fires and the entry is left for
// explicit teardown; the engine never auto-terminates a call.
const DefaultMaxICERestarts = 2

// Config tunes the engine. Zero value uses public STUN and the default
// restart budget; production wires the TURN relay credentials in.
type Config struct {
	ICEServers     []webrtc.ICEServer
	MaxICERestarts int
	Logger         *slog.Logger
}

type peerEntry struct {
	connID   string
	role     Role
	pc       *webrtc.PeerConnection
	restarts int
}

// Engine owns the peer connection table for one call or room. Entries are
// keyed by remote transport connection id, not user id: a user reconnecting
// mid-room is simply a new peer, and multi-party rooms need no 1:1
// assumption. All table mutation happens in the engine's own handlers.
type Engine struct {
	ch     signaling.Channel
	logger *slog.Logger
	cfg    webrtc.Configuration

	maxRestarts int

	mu          sync.Mutex
	peers       map[string]*peerEntry
	remote      map[string][]*webrtc.TrackRemote
	localTracks []webrtc.TrackLocal
	started     bool

	onTrack         func(connID string, track *webrtc.TrackRemote)
	onPeerConnected func(connID string)
	onPeerFailed    func(connID string)
}

func NewEngine(ch signaling.Channel, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxICERestarts <= 0 {
		cfg.MaxICERestarts = DefaultMaxICERestarts
	}
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	return &Engine{
		ch:     ch,
		logger: cfg.Logger,
		cfg: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		maxRestarts: cfg.MaxICERestarts,
		peers:       make(map[string]*peerEntry),
		remote:      make(map[string][]*webrtc.TrackRemote),
	}
}

// OnTrack registers the inbound media callback. Called once per remote track
// as it arrives, keyed by the owning peer's connection id.
func (e *Engine) OnTrack(fn func(connID string, track *webrtc.TrackRemote)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// OnPeerConnected fires when a peer's connection reaches connected state;
// the UI clears its connecting indicator on it.
func (e *Engine) OnPeerConnected(fn func(connID string)) {
	e.mu.Lock()
	e.onPeerConnected = fn
	e.mu.Unlock()
}

// OnPeerFailed fires after the ICE restart budget for a peer is exhausted.
func (e *Engine) OnPeerFailed(fn func(connID string)) {
	e.mu.Lock()
	e.onPeerFailed = fn
	e.mu.Unlock()
}

// Start stores the local tracks for attachment to current and future peers.
// The engine never stops these tracks itself: the local stream is owned by
// the session and released only on call end.
func (e *Engine) Start(localTracks []webrtc.TrackLocal) {
	e.mu.Lock()
	e.localTracks = localTracks
	e.started = true
	e.mu.Unlock()
}

// HandleExistingParticipants builds an initiator entry toward every peer
// already in the room and sends each an offer.
func (e *Engine) HandleExistingParticipants(participants []signaling.RoomParticipant) {
	for _, p := range participants {
		if err := e.connectTo(p.ConnectionID); err != nil {
			e.logger.Warn("failed to connect to existing participant",
				"conn_id", p.ConnectionID, "user_id", p.UserID, "error", err)
		}
	}
}

func (e *Engine) connectTo(connID string) error {
	entry, err := e.ensurePeer(connID, RoleInitiator)
	if err != nil {
		return err
	}
	return e.sendOffer(entry, false)
}

// HandleUserJoined creates an answerer entry for the newcomer. No offer is
// sent; the newcomer offers to everyone it found in existing-participants.
func (e *Engine) HandleUserJoined(p signaling.RoomParticipant) {
	if _, err := e.ensurePeer(p.ConnectionID, RoleAnswerer); err != nil {
		e.logger.Warn("failed to prepare peer for joined user",
			"conn_id", p.ConnectionID, "user_id", p.UserID, "error", err)
	}
}

// HandleOffer answers an inbound offer, lazily creating the entry when the
// offer beats the user-joined event.
func (e *Engine) HandleOffer(fromConnID string, sdp webrtc.SessionDescription) {
	entry, err := e.ensurePeer(fromConnID, RoleAnswerer)
	if err != nil {
		e.logger.Warn("failed to create peer for offer", "conn_id", fromConnID, "error", err)
		return
	}

	if err := entry.pc.SetRemoteDescription(sdp); err != nil {
		e.logger.Warn("set remote offer failed", "conn_id", fromConnID, "error", err)
		return
	}
	answer, err := entry.pc.CreateAnswer(nil)
	if err != nil {
		e.logger.Warn("create answer failed", "conn_id", fromConnID, "error", err)
		return
	}
	if err := entry.pc.SetLocalDescription(answer); err != nil {
		e.logger.Warn("set local answer failed", "conn_id", fromConnID, "error", err)
		return
	}
	if err := e.ch.Send(signaling.EventAnswer, fromConnID, signaling.SDPData{SDP: answer}); err != nil {
		e.logger.Warn("send answer failed", "conn_id", fromConnID, "error", err)
	}
}

// HandleAnswer applies the remote answer to our pending offer.
func (e *Engine) HandleAnswer(fromConnID string, sdp webrtc.SessionDescription) {
	e.mu.Lock()
	entry := e.peers[fromConnID]
	e.mu.Unlock()
	if entry == nil {
		e.logger.Debug("ignoring answer from unknown peer", "conn_id", fromConnID)
		return
	}
	if err := entry.pc.SetRemoteDescription(sdp); err != nil {
		e.logger.Warn("set remote answer failed", "conn_id", fromConnID, "error", err)
	}
}

// HandleCandidate adds a relayed ICE candidate. Unknown peers are ignored:
// candidates racing entry creation or teardown are normal, not errors. The
// underlying connection buffers candidates that arrive before the remote
// description is set.
func (e *Engine) HandleCandidate(fromConnID string, candidate webrtc.ICECandidateInit) {
	e.mu.Lock()
	entry := e.peers[fromConnID]
	e.mu.Unlock()
	if entry == nil {
		e.logger.Debug("ignoring candidate from unknown peer", "conn_id", fromConnID)
		return
	}
	if err := entry.pc.AddICECandidate(candidate); err != nil {
		e.logger.Debug("add candidate failed", "conn_id", fromConnID, "error", err)
	}
}

// HandleUserLeft closes and removes the peer and its remote tracks. Unlike
// ICE failure, a departed user is not recoverable.
func (e *Engine) HandleUserLeft(connID string) {
	e.mu.Lock()
	entry := e.peers[connID]
	delete(e.peers, connID)
	delete(e.remote, connID)
	e.mu.Unlock()

	if entry != nil {
		if err := entry.pc.Close(); err != nil {
			e.logger.Debug("peer close failed", "conn_id", connID, "error", err)
		}
	}
}

// Teardown closes every peer connection and clears the remote track table.
// Local tracks are released by the stream owner, not here.
func (e *Engine) Teardown() {
	e.mu.Lock()
	entries := make([]*peerEntry, 0, len(e.peers))
	for _, entry := range e.peers {
		entries = append(entries, entry)
	}
	e.peers = make(map[string]*peerEntry)
	e.remote = make(map[string][]*webrtc.TrackRemote)
	e.started = false
	e.localTracks = nil
	e.mu.Unlock()

	for _, entry := range entries {
		if err := entry.pc.Close(); err != nil {
			e.logger.Debug("peer close failed during teardown", "conn_id", entry.connID, "error", err)
		}
	}
}

// Peers returns connection id -> role for the current table.
func (e *Engine) Peers() map[string]Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Role, len(e.peers))
	for id, entry := range e.peers {
		out[id] = entry.role
	}
	return out
}

// RemoteTracks returns the remote track table snapshot for rendering.
func (e *Engine) RemoteTracks() map[string][]*webrtc.TrackRemote {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]*webrtc.TrackRemote, len(e.remote))
	for id, tracks := range e.remote {
		out[id] = append([]*webrtc.TrackRemote(nil), tracks...)
	}
	return out
}

// ensurePeer returns the existing entry for connID or builds one with the
// given role, local tracks attached and callbacks wired.
func (e *Engine) ensurePeer(connID string, role Role) (*peerEntry, error) {
	e.mu.Lock()
	if entry, ok := e.peers[connID]; ok {
		e.mu.Unlock()
		return entry, nil
	}
	tracks := append([]webrtc.TrackLocal(nil), e.localTracks...)
	e.mu.Unlock()

	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	if len(tracks) == 0 {
		// Without at least one transceiver the offer carries no media
		// section and no ICE credentials, and the remote side rejects it.
		// Receive-only entries keep negotiation possible while local media
		// is still being acquired (or absent, for a listen-only session).
		kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}
		for _, kind := range kinds {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add recvonly transceiver: %w", err)
			}
		}
	}

	entry := &peerEntry{connID: connID, role: role, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		if err := e.ch.Send(signaling.EventICECandidate, connID, signaling.CandidateData{Candidate: c.ToJSON()}); err != nil {
			e.logger.Debug("send candidate failed", "conn_id", connID, "error", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		e.remote[connID] = append(e.remote[connID], track)
		fn := e.onTrack
		e.mu.Unlock()
		e.logger.Debug("remote track", "conn_id", connID, "kind", track.Kind().String())
		if fn != nil {
			fn(connID, track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("peer connection state", "conn_id", connID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			e.mu.Lock()
			entry.restarts = 0
			fn := e.onPeerConnected
			e.mu.Unlock()
			if fn != nil {
				fn(connID)
			}
		case webrtc.PeerConnectionStateFailed:
			// A failed ICE path is recoverable; a user-left is not.
			go e.restartICE(connID)
		}
	})

	e.mu.Lock()
	if existing, ok := e.peers[connID]; ok {
		// Lost a creation race; keep the first entry.
		e.mu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	e.peers[connID] = entry
	e.mu.Unlock()
	return entry, nil
}

func (e *Engine) sendOffer(entry *peerEntry, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := entry.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := entry.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := e.ch.Send(signaling.EventOffer, entry.connID, signaling.SDPData{SDP: offer}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// restartICE renegotiates a failed peer without discarding the entry. After
// maxRestarts consecutive failures OnPeerFailed fires and the peer is left
// to explicit user action or a remote disconnect signal.
func (e *Engine) restartICE(connID string) {
	e.mu.Lock()
	entry := e.peers[connID]
	if entry == nil {
		e.mu.Unlock()
		return
	}
	if entry.restarts >= e.maxRestarts {
		fn := e.onPeerFailed
		e.mu.Unlock()
		e.logger.Warn("ICE restart budget exhausted", "conn_id", connID, "restarts", e.maxRestarts)
		if fn != nil {
			fn(connID)
		}
		return
	}
	entry.restarts++
	attempt := entry.restarts
	e.mu.Unlock()

	e.logger.Info("attempting ICE restart", "conn_id", connID, "attempt", attempt)
	if err := e.sendOffer(entry, true); err != nil {
		e.logger.Warn("ICE restart failed", "conn_id", connID, "error", err)
	}
}
