package rtc

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/TeamEDMO/Server/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// handshakeRequest is the single message a controller client sends
// immediately after the websocket upgrade.
type handshakeRequest struct {
	PlayerName string                    `json:"playerName"`
	Handshake  webrtc.SessionDescription `json:"handshake"`
}

// ServePlayer performs the single-shot offer/answer exchange for sess and
// registers the resulting peer as a player. Existence and saturation
// checks happen in the caller before the websocket upgrade, since HTTP
// status codes can't be written afterward.
func ServePlayer(sess *session.Session, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("rtc: websocket upgrade failed")
		return
	}
	defer conn.Close()

	var req handshakeRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	negotiate(conn, req.Handshake, func(_ *webrtc.PeerConnection, answer *webrtc.SessionDescription) error {
		return conn.WriteJSON(answer)
	}, func(peer *Peer) {
		if err := sess.RegisterPlayer(peer, req.PlayerName); err != nil {
			log.Debug().Err(err).Str("robot", sess.Identifier()).Msg("rtc: player registration failed")
			peer.Close()
		}
	})
}

// ServeOverride claims motorNumber directly for an operator console,
// bypassing the free-number heap entirely. A second message carrying the
// release token follows the SDP answer once the data channel is live,
// since the token is only minted at registration time.
func ServeOverride(sess *session.Session, motorNumber int, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("rtc: websocket upgrade failed")
		return
	}
	defer conn.Close()

	var req handshakeRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	negotiate(conn, req.Handshake, func(_ *webrtc.PeerConnection, answer *webrtc.SessionDescription) error {
		return conn.WriteJSON(answer)
	}, func(peer *Peer) {
		token := sess.RegisterOverrider(peer, motorNumber)
		if err := conn.WriteJSON(map[string]string{"token": token}); err != nil {
			log.Debug().Err(err).Msg("rtc: override token write failed")
		}
	})
}

// negotiate runs the offer/answer exchange shared by both entry points.
// writeAnswer lets the caller shape the wire reply (both current callers
// send the bare SDP answer); onPeer fires once the remote data channel
// arrives so the caller can register it and, for overriders, push the token.
func negotiate(conn *websocket.Conn, offer webrtc.SessionDescription, writeAnswer func(*webrtc.PeerConnection, *webrtc.SessionDescription) error, onPeer func(*Peer)) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		log.Error().Err(err).Msg("rtc: NewPeerConnection failed")
		return
	}

	peerReady := make(chan *Peer, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peerReady <- NewPeer(pc, dc)
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		log.Debug().Err(err).Msg("rtc: SetRemoteDescription failed")
		_ = pc.Close()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return
	}
	if err := writeAnswer(pc, pc.LocalDescription()); err != nil {
		_ = pc.Close()
		return
	}

	onPeer(<-peerReady)
}
