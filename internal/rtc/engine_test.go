package rtc

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

func decodeSDP(t *testing.T, env signaling.Envelope) webrtc.SessionDescription {
	t.Helper()
	var data signaling.SDPData
	if err := env.Decode(&data); err != nil {
		t.Fatalf("decode sdp payload: %v", err)
	}
	return data.SDP
}

func offersIn(envs []signaling.Envelope) []signaling.Envelope {
	var out []signaling.Envelope
	for _, env := range envs {
		if env.Type == signaling.EventOffer {
			out = append(out, env)
		}
	}
	return out
}

func TestJoinerOffersToEveryExistingPeer(t *testing.T) {
	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})
	defer e.Teardown()

	e.HandleExistingParticipants([]signaling.RoomParticipant{
		{ConnectionID: "conn-a", UserID: "u-a"},
		{ConnectionID: "conn-b", UserID: "u-b"},
	})

	offers := offersIn(lb.Take())
	if len(offers) != 2 {
		t.Fatalf("got %d offers, want 2", len(offers))
	}
	targets := map[string]bool{}
	for _, env := range offers {
		targets[env.To] = true
		if sdp := decodeSDP(t, env); sdp.Type != webrtc.SDPTypeOffer {
			t.Fatalf("sdp type = %v, want offer", sdp.Type)
		}
	}
	if !targets["conn-a"] || !targets["conn-b"] {
		t.Fatalf("offer targets = %v", targets)
	}

	peers := e.Peers()
	if peers["conn-a"] != RoleInitiator || peers["conn-b"] != RoleInitiator {
		t.Fatalf("roles = %v, want initiator for both", peers)
	}
}

func TestOccupantWaitsForNewcomerOffer(t *testing.T) {
	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})
	defer e.Teardown()

	e.HandleUserJoined(signaling.RoomParticipant{ConnectionID: "conn-new", UserID: "u-new"})

	if offers := offersIn(lb.Take()); len(offers) != 0 {
		t.Fatalf("occupant must not offer toward a newcomer, got %d offers", len(offers))
	}
	if role := e.Peers()["conn-new"]; role != RoleAnswerer {
		t.Fatalf("role = %v, want answerer", role)
	}
}

// An engine that has not attached local tracks yet must still emit an offer
// the remote side can apply: media sections and ICE credentials have to be
// present even when nothing is sent.
func TestOfferWithoutLocalTracksIsNegotiable(t *testing.T) {
	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})
	defer e.Teardown()

	e.HandleExistingParticipants([]signaling.RoomParticipant{{ConnectionID: "conn-a"}})

	offers := offersIn(lb.Take())
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	sdp := decodeSDP(t, offers[0])
	if !strings.Contains(sdp.SDP, "m=audio") || !strings.Contains(sdp.SDP, "m=video") {
		t.Fatalf("offer lacks media sections:\n%s", sdp.SDP)
	}
	if !strings.Contains(sdp.SDP, "ice-ufrag") {
		t.Fatalf("offer lacks ICE credentials:\n%s", sdp.SDP)
	}

	// The remote side must be able to apply it and answer.
	remoteCh := signaling.NewLoopback()
	remote := NewEngine(remoteCh, Config{})
	defer remote.Teardown()
	remote.HandleOffer("local", sdp)

	var answered bool
	for _, env := range remoteCh.Take() {
		if env.Type == signaling.EventAnswer {
			answered = true
		}
	}
	if !answered {
		t.Fatal("remote engine could not answer the track-less offer")
	}
}

// One pair, one offer: the joining side offers, the occupying side answers,
// and the full offer/answer round trip applies cleanly on both connections.
func TestPairNegotiatesWithoutGlare(t *testing.T) {
	joinerCh := signaling.NewLoopback()
	occupantCh := signaling.NewLoopback()
	joiner := NewEngine(joinerCh, Config{})
	occupant := NewEngine(occupantCh, Config{})
	defer joiner.Teardown()
	defer occupant.Teardown()

	// Server's view: the joiner learns the occupant from
	// existing-participants, the occupant learns the joiner from user-joined.
	joiner.HandleExistingParticipants([]signaling.RoomParticipant{{ConnectionID: "occupant", UserID: "u-1"}})
	occupant.HandleUserJoined(signaling.RoomParticipant{ConnectionID: "joiner", UserID: "u-2"})

	joinerSent := joinerCh.Take()
	occupantSent := occupantCh.Take()
	if n := len(offersIn(joinerSent)) + len(offersIn(occupantSent)); n != 1 {
		t.Fatalf("exactly one offer must exist per pair, got %d", n)
	}

	offer := offersIn(joinerSent)[0]
	occupant.HandleOffer("joiner", decodeSDP(t, offer))

	var answer *signaling.Envelope
	for _, env := range occupantCh.Take() {
		if env.Type == signaling.EventAnswer {
			answer = &env
			break
		}
	}
	if answer == nil {
		t.Fatal("occupant did not answer the offer")
	}
	if answer.To != "joiner" {
		t.Fatalf("answer addressed to %q, want joiner", answer.To)
	}

	joiner.HandleAnswer("occupant", decodeSDP(t, *answer))

	if role := joiner.Peers()["occupant"]; role != RoleInitiator {
		t.Fatalf("joiner role = %v, want initiator", role)
	}
	if role := occupant.Peers()["joiner"]; role != RoleAnswerer {
		t.Fatalf("occupant role = %v, want answerer", role)
	}
}

func TestOfferBeatingUserJoinedCreatesPeer(t *testing.T) {
	remoteCh := signaling.NewLoopback()
	remote := NewEngine(remoteCh, Config{})
	defer remote.Teardown()
	remote.HandleExistingParticipants([]signaling.RoomParticipant{{ConnectionID: "local"}})
	offer := decodeSDP(t, offersIn(remoteCh.Take())[0])

	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})
	defer e.Teardown()

	// No user-joined was delivered yet; the offer itself creates the entry.
	e.HandleOffer("remote", offer)

	if role := e.Peers()["remote"]; role != RoleAnswerer {
		t.Fatalf("role = %v, want answerer", role)
	}
	var answered bool
	for _, env := range lb.Take() {
		if env.Type == signaling.EventAnswer && env.To == "remote" {
			answered = true
		}
	}
	if !answered {
		t.Fatal("expected an answer toward the offering peer")
	}
}

func TestCandidateFromUnknownPeerIgnored(t *testing.T) {
	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})
	defer e.Teardown()

	e.HandleCandidate("ghost", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 4242 typ host"})

	if len(lb.Take()) != 0 {
		t.Fatal("unknown-peer candidate must be dropped silently")
	}
	if len(e.Peers()) != 0 {
		t.Fatal("unknown-peer candidate must not create an entry")
	}
}

func TestUserLeftRemovesPeer(t *testing.T) {
	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})
	defer e.Teardown()

	e.HandleExistingParticipants([]signaling.RoomParticipant{{ConnectionID: "conn-a"}})
	if _, ok := e.Peers()["conn-a"]; !ok {
		t.Fatal("expected peer entry before user-left")
	}

	e.HandleUserLeft("conn-a")

	if _, ok := e.Peers()["conn-a"]; ok {
		t.Fatal("peer entry must be removed on user-left")
	}
	if tracks := e.RemoteTracks()["conn-a"]; tracks != nil {
		t.Fatal("remote tracks must be dropped with the peer")
	}
}

func TestTeardownClearsEverything(t *testing.T) {
	lb := signaling.NewLoopback()
	e := NewEngine(lb, Config{})

	e.HandleExistingParticipants([]signaling.RoomParticipant{
		{ConnectionID: "conn-a"},
		{ConnectionID: "conn-b"},
	})
	e.Teardown()

	if len(e.Peers()) != 0 {
		t.Fatalf("peers after teardown = %v, want empty", e.Peers())
	}
	if len(e.RemoteTracks()) != 0 {
		t.Fatal("remote tracks must be cleared on teardown")
	}
}
