package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/TimurNurlygayanov/litecall/internal/signaling"
)

// sdpEnvelope is the wire form of offers and answers, matching what the
// browser UI sends: a bare {"type","sdp"} object.
type sdpEnvelope struct {
	Type signaling.Type `json:"type"`
	SDP  string         `json:"sdp"`
}

// candidateEnvelope carries one trickled ICE candidate.
type candidateEnvelope struct {
	Type      signaling.Type          `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type peerHooks struct {
	// onSignal receives outbound envelopes (offer/answer/candidate) to be
	// forwarded to the signaling channel. Called from pion goroutines.
	onSignal    func(v any)
	onConnected func()
	onFailed    func(p *peer)
	onTrack     func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// peer wraps one webrtc.PeerConnection attempt. The initiator creates the
// offer and a control data channel so negotiation happens even without local
// tracks; the answerer only reacts to inbound signals.
type peer struct {
	pc        *webrtc.PeerConnection
	initiator bool
	hooks     peerHooks
	log       *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	// Candidates that arrived before the remote description. AddICECandidate
	// rejects them at that point, so they are held and flushed afterwards.
	pendingCandidates []webrtc.ICECandidateInit
}

func newPeer(api *webrtc.API, iceServers []webrtc.ICEServer, initiator bool, tracks []webrtc.TrackLocal, hooks peerHooks, log *slog.Logger) (*peer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &peer{
		pc:        pc,
		initiator: initiator,
		hooks:     hooks,
		log:       log,
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		hooks.onSignal(candidateEnvelope{Type: signaling.TypeCandidate, Candidate: cand.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info("remote track", "kind", track.Kind().String(), "id", track.ID())
		if hooks.onTrack != nil {
			hooks.onTrack(track, receiver)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			hooks.onConnected()
		case webrtc.PeerConnectionStateFailed:
			hooks.onFailed(p)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateCompleted {
			hooks.onConnected()
		}
	})

	return p, nil
}

// start kicks off negotiation on the initiating side. The answering side
// stays passive until the offer arrives via Signal.
func (p *peer) start() error {
	if !p.initiator {
		return nil
	}
	// A data channel guarantees at least one m-line in the offer, so calls
	// negotiate even before media tracks are acquired.
	if _, err := p.pc.CreateDataChannel("control", nil); err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.hooks.onSignal(sdpEnvelope{Type: signaling.TypeOffer, SDP: offer.SDP})
	return nil
}

// Signal applies one inbound envelope. Errors wrapping
// webrtc.ErrConnectionClosed mean the envelope hit an already-destroyed
// connection; the caller decides whether to recreate and replay.
func (p *peer) Signal(env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeOffer:
		var sdp sdpEnvelope
		if err := json.Unmarshal(env.Raw, &sdp); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp.SDP}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		if err := p.flushCandidates(); err != nil {
			return err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		p.hooks.onSignal(sdpEnvelope{Type: signaling.TypeAnswer, SDP: answer.SDP})
		return nil

	case signaling.TypeAnswer:
		var sdp sdpEnvelope
		if err := json.Unmarshal(env.Raw, &sdp); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return p.flushCandidates()

	case signaling.TypeCandidate:
		var cand candidateEnvelope
		if err := json.Unmarshal(env.Raw, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		p.mu.Lock()
		if !p.remoteSet {
			p.pendingCandidates = append(p.pendingCandidates, cand.Candidate)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		if err := p.pc.AddICECandidate(cand.Candidate); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil

	default:
		p.log.Debug("ignoring signal", "type", string(env.Type))
		return nil
	}
}

func (p *peer) flushCandidates() error {
	p.mu.Lock()
	p.remoteSet = true
	buffered := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, cand := range buffered {
		if err := p.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	return nil
}

func (p *peer) Close() error {
	return p.pc.Close()
}
