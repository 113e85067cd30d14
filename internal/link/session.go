// SPDX-FileCopyrightText: Copyright (C) 2025 the loki-network authors
// SPDX-License-Identifier: AGPL-3.0-only

package link

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/notlesh/loki-network/core/crypto"
	"github.com/notlesh/loki-network/internal/constants"
	"github.com/notlesh/loki-network/internal/instrument"
	"github.com/notlesh/loki-network/util"
)

// SendResult is the outcome reported to an outbound message's
// completion handler.  A handler fires exactly once.
type SendResult int

const (
	// SendSuccess means the message was delivered and acked.
	SendSuccess SendResult = iota

	// SendFailure means the session closed or gave up retransmitting.
	SendFailure

	// SendTimeout means the message expired before a session existed.
	SendTimeout
)

// State is a session's handshake state.
type State int

const (
	// StateInitial is a freshly created session.
	StateInitial State = iota

	// StateIntroducing means our intro is in flight.
	StateIntroducing

	// StateHandshakeSent means the intro exchange completed and the
	// proof frame is in flight.
	StateHandshakeSent

	// StateLinked is an established, authenticated session.
	StateLinked

	// StateClosing means a close frame was emitted.
	StateClosing

	// StateTerminal is the dead end state.
	StateTerminal
)

// packet type tags, one byte on the wire.
const (
	pktIntro byte = iota + 1
	pktIntroAck
	pktData
	pktAck
	pktPing
	pktRekey
	pktRekeyAck
	pktClose
)

const (
	fragmentSize = 1024
	maxFragments = 64

	// sendWindow bounds unacked bytes in flight; past it the session
	// stops dequeueing and backpressure reaches the dispatcher.
	sendWindow = 64 * 1024

	retransmitInterval = 1 * time.Second
	maxTransmitTries   = 5

	reassemblyTimeout = 30 * time.Second

	// introLen is type || ephemeral pub || identity || signature.
	introLen = 1 + 32 + crypto.PubKeySize + crypto.SignatureSize

	frameHeaderLen = 1 + crypto.NonceSize
	seqLen         = 8
)

type outMessage struct {
	id         uint32
	data       []byte
	completion func(SendResult)
	sent       bool
	lastTx     time.Time
	tries      int
}

type reassembly struct {
	frags   [][]byte
	have    int
	started time.Time
}

// Session is one authenticated, rekeying datagram session to a peer.
// All methods are invoked on the logic lane; sendRaw hands datagrams to
// the owning link layer.
type Session struct {
	log *logging.Logger
	c   crypto.Crypto

	ourID       crypto.RouterID
	ourIdentity *crypto.SecretKey

	remoteID   crypto.RouterID
	remoteAddr *net.UDPAddr

	inbound bool
	state   State

	ephemeral    crypto.SecretKey
	ephemeralPub crypto.PubKey
	remoteEph    crypto.PubKey

	txKey    crypto.SharedSecret
	rxKey    crypto.SharedSecret
	oldRxKey *crypto.SharedSecret

	rekeyEph      *crypto.SecretKey
	keysInstalled time.Time

	txSeq      uint64
	replay     *bloom.Filter
	rxDedup    *util.DecayingHashSet[uint32]
	authFail   int
	replayHits int

	nextMsgID uint32
	txq       []*outMessage
	rxPartial map[uint32]*reassembly

	bytesTx uint64
	bytesRx uint64

	createdAt time.Time
	lastRx    time.Time
	lastTx    time.Time

	sendRaw func([]byte)

	// set by the owning layer
	onEstablished func(*Session)
	onClosed      func(*Session)
	onMessage     func(*Session, []byte)
}

func newSession(c crypto.Crypto, log *logging.Logger, ourID crypto.RouterID, ourIdentity *crypto.SecretKey, addr *net.UDPAddr, sendRaw func([]byte), now time.Time, inbound bool) *Session {
	f, err := bloom.New(rand.Reader, 18, 0.001)
	if err != nil {
		panic("link: replay filter init failed: " + err.Error())
	}
	s := &Session{
		log:         log,
		c:           c,
		ourID:       ourID,
		ourIdentity: ourIdentity,
		remoteAddr:  addr,
		inbound:     inbound,
		state:       StateInitial,
		replay:      f,
		rxDedup:     util.NewDecayingHashSet[uint32](time.Minute),
		rxPartial:   make(map[uint32]*reassembly),
		createdAt:   now,
		lastRx:      now,
		lastTx:      now,
		sendRaw:     sendRaw,
	}
	if err := c.EncryptionKeygen(&s.ephemeral); err != nil {
		panic("link: ephemeral keygen failed: " + err.Error())
	}
	pub, err := crypto.CurvePublic(&s.ephemeral)
	if err != nil {
		panic("link: ephemeral pubkey failed: " + err.Error())
	}
	s.ephemeralPub = pub
	return s
}

// RemoteID returns the authenticated peer identity, zero until the
// handshake completes.
func (s *Session) RemoteID() crypto.RouterID {
	return s.remoteID
}

// RemoteAddr returns the peer's UDP endpoint.
func (s *Session) RemoteAddr() *net.UDPAddr {
	return s.remoteAddr
}

// IsEstablished returns true only in the Linked state.
func (s *Session) IsEstablished() bool {
	return s.state == StateLinked
}

// IsTerminal returns true once the session is dead.
func (s *Session) IsTerminal() bool {
	return s.state == StateTerminal
}

// IsInbound returns true for sessions accepted from the wire.
func (s *Session) IsInbound() bool {
	return s.inbound
}

// TimedOut returns true once nothing has been received for the session
// timeout, or the handshake overran its deadline.
func (s *Session) TimedOut(now time.Time) bool {
	if s.state != StateLinked {
		return now.Sub(s.createdAt) > constants.HandshakeTimeout
	}
	return now.Sub(s.lastRx) > constants.SessionTimeout
}

// SendQueueBacklog returns the pending unacked byte count, used by the
// link layer to pick the least loaded session.
func (s *Session) SendQueueBacklog() int {
	n := 0
	for _, m := range s.txq {
		n += len(m.data)
	}
	return n
}

// start sends the intro for an outbound session.
func (s *Session) start(now time.Time) {
	s.state = StateIntroducing
	s.sendIntro(pktIntro, nil, now)
}

func (s *Session) sendIntro(typ byte, remoteEph []byte, now time.Time) {
	buf := make([]byte, 0, introLen)
	buf = append(buf, typ)
	buf = append(buf, s.ephemeralPub[:]...)
	buf = append(buf, s.ourID[:]...)

	signed := make([]byte, 0, 64)
	signed = append(signed, s.ephemeralPub[:]...)
	if remoteEph != nil {
		signed = append(signed, remoteEph...)
	}
	sig, err := s.c.Sign(s.ourIdentity, signed)
	if err != nil {
		s.log.Errorf("intro sign failed: %v", err)
		s.terminate()
		return
	}
	buf = append(buf, sig[:]...)
	s.transmit(buf, now)
}

func (s *Session) transmit(pkt []byte, now time.Time) {
	s.lastTx = now
	s.bytesTx += uint64(len(pkt))
	s.sendRaw(pkt)
}

func (s *Session) deriveKeys(remoteEph crypto.PubKey, eph *crypto.SecretKey, initiator bool) error {
	shared, err := s.c.DH(eph, remoteEph)
	if err != nil {
		return err
	}
	kA := s.c.Shorthash(append(shared[:], 'A'))
	kB := s.c.Shorthash(append(shared[:], 'B'))
	old := s.rxKey
	if initiator {
		s.txKey, s.rxKey = kA, kB
	} else {
		s.txKey, s.rxKey = kB, kA
	}
	if s.state == StateLinked {
		// Keep the previous receive key for frames already in flight.
		s.oldRxKey = &old
	}
	return nil
}

// SendMessage enqueues one outbound link message.  The completion is
// invoked exactly once with the delivery outcome.
func (s *Session) SendMessage(data []byte, completion func(SendResult)) {
	if s.state == StateTerminal || s.state == StateClosing {
		if completion != nil {
			completion(SendFailure)
		}
		return
	}
	if len(data) > fragmentSize*maxFragments {
		if completion != nil {
			completion(SendFailure)
		}
		return
	}
	s.nextMsgID++
	s.txq = append(s.txq, &outMessage{
		id:         s.nextMsgID,
		data:       data,
		completion: completion,
	})
	if s.state == StateLinked {
		s.pumpSendQueue(time.Now())
	}
}

func (s *Session) pumpSendQueue(now time.Time) {
	inFlight := 0
	for _, m := range s.txq {
		if m.sent {
			inFlight += len(m.data)
		}
	}

	var failed []*outMessage
	for _, m := range s.txq {
		if m.sent {
			if now.Sub(m.lastTx) >= retransmitInterval {
				if m.tries >= maxTransmitTries {
					failed = append(failed, m)
				} else {
					s.transmitMessage(m, now)
				}
			}
			continue
		}
		if inFlight+len(m.data) > sendWindow {
			// Window full, stop dequeueing until acks free space.
			break
		}
		s.transmitMessage(m, now)
		inFlight += len(m.data)
	}
	for _, m := range failed {
		s.finishMessage(m, SendFailure)
	}
}

func (s *Session) transmitMessage(m *outMessage, now time.Time) {
	nfrags := (len(m.data) + fragmentSize - 1) / fragmentSize
	if nfrags == 0 {
		nfrags = 1
	}
	for i := 0; i < nfrags; i++ {
		lo := i * fragmentSize
		hi := lo + fragmentSize
		if hi > len(m.data) {
			hi = len(m.data)
		}
		inner := make([]byte, 0, 6+hi-lo)
		var hdr [6]byte
		binary.BigEndian.PutUint32(hdr[0:4], m.id)
		hdr[4] = byte(i)
		hdr[5] = byte(nfrags)
		inner = append(inner, hdr[:]...)
		inner = append(inner, m.data[lo:hi]...)
		s.sendFrame(pktData, inner, now)
	}
	m.sent = true
	m.lastTx = now
	m.tries++
}

func (s *Session) finishMessage(m *outMessage, r SendResult) {
	if m.completion != nil {
		m.completion(r)
		m.completion = nil
	}
	m.data = nil
	for i, e := range s.txq {
		if e == m {
			s.txq = append(s.txq[:i], s.txq[i+1:]...)
			break
		}
	}
}

func (s *Session) sendFrame(typ byte, inner []byte, now time.Time) {
	var nonce crypto.Nonce
	if err := s.c.Randomize(nonce[:]); err != nil {
		s.log.Errorf("nonce generation failed: %v", err)
		s.terminate()
		return
	}

	s.txSeq++
	pt := make([]byte, 0, seqLen+len(inner))
	var seq [seqLen]byte
	binary.BigEndian.PutUint64(seq[:], s.txSeq)
	pt = append(pt, seq[:]...)
	pt = append(pt, inner...)

	pkt := make([]byte, 0, frameHeaderLen+len(pt)+16)
	pkt = append(pkt, typ)
	pkt = append(pkt, nonce[:]...)
	pkt = append(pkt, s.c.Seal(s.txKey, nonce, []byte{typ}, pt)...)
	s.transmit(pkt, now)
}

// RecvRaw ingests one UDP payload.  Decrypted link messages are handed
// to the owning link layer through the onMessage hook.
func (s *Session) RecvRaw(pkt []byte, now time.Time) {
	if len(pkt) == 0 || s.state == StateTerminal {
		return
	}
	s.bytesRx += uint64(len(pkt))

	switch pkt[0] {
	case pktIntro:
		s.recvIntro(pkt, now)
	case pktIntroAck:
		s.recvIntroAck(pkt, now)
	default:
		s.recvFrame(pkt, now)
	}
}

func (s *Session) recvIntro(pkt []byte, now time.Time) {
	if !s.inbound || len(pkt) != introLen {
		return
	}
	if s.state == StateHandshakeSent {
		// The intro ack was lost and the initiator is retrying; repeat
		// it.
		if crypto.HMACEqual(pkt[1:33], s.remoteEph[:]) {
			s.sendIntro(pktIntroAck, s.remoteEph[:], now)
		}
		return
	}
	if s.state != StateInitial {
		return
	}
	var remoteEph, remoteID [32]byte
	copy(remoteEph[:], pkt[1:33])
	copy(remoteID[:], pkt[33:65])
	var sig crypto.Signature
	copy(sig[:], pkt[65:])

	if !s.c.Verify(crypto.PubKey(remoteID), remoteEph[:], sig) {
		s.log.Warning("intro signature verification failed")
		s.terminate()
		return
	}

	s.remoteEph = crypto.PubKey(remoteEph)
	s.remoteID = crypto.RouterID(remoteID)
	if err := s.deriveKeys(s.remoteEph, &s.ephemeral, false); err != nil {
		s.terminate()
		return
	}

	s.state = StateIntroducing
	s.lastRx = now
	s.sendIntro(pktIntroAck, remoteEph[:], now)
	s.state = StateHandshakeSent
}

func (s *Session) recvIntroAck(pkt []byte, now time.Time) {
	if s.inbound || s.state != StateIntroducing || len(pkt) != introLen {
		return
	}
	var remoteEph, remoteID [32]byte
	copy(remoteEph[:], pkt[1:33])
	copy(remoteID[:], pkt[33:65])
	var sig crypto.Signature
	copy(sig[:], pkt[65:])

	signed := make([]byte, 0, 64)
	signed = append(signed, remoteEph[:]...)
	signed = append(signed, s.ephemeralPub[:]...)
	if !s.c.Verify(crypto.PubKey(remoteID), signed, sig) {
		s.log.Warning("intro ack signature verification failed")
		s.terminate()
		return
	}
	if !s.remoteID.IsZero() && s.remoteID != crypto.RouterID(remoteID) {
		// We dialed a specific router; anyone else answering is an
		// impersonation attempt.
		s.log.Warning("intro ack from unexpected identity")
		s.terminate()
		return
	}

	s.remoteEph = crypto.PubKey(remoteEph)
	s.remoteID = crypto.RouterID(remoteID)
	if err := s.deriveKeys(s.remoteEph, &s.ephemeral, true); err != nil {
		s.terminate()
		return
	}

	s.state = StateHandshakeSent
	s.lastRx = now
	s.keysInstalled = now

	// The first encrypted frame proves key possession and completes
	// the handshake on both ends.
	s.sendFrame(pktPing, nil, now)
	s.becomeLinked(now)
}

func (s *Session) becomeLinked(now time.Time) {
	s.state = StateLinked
	s.keysInstalled = now
	instrument.SessionEstablished()
	if s.onEstablished != nil {
		s.onEstablished(s)
	}
	s.pumpSendQueue(now)
}

func (s *Session) open(pkt []byte) ([]byte, bool) {
	typ := pkt[0]
	var nonce crypto.Nonce
	copy(nonce[:], pkt[1:1+crypto.NonceSize])
	ct := pkt[frameHeaderLen:]

	pt, err := s.c.Open(s.rxKey, nonce, []byte{typ}, ct)
	if err == nil {
		return pt, true
	}
	if s.oldRxKey != nil {
		if pt, err := s.c.Open(*s.oldRxKey, nonce, []byte{typ}, ct); err == nil {
			return pt, true
		}
	}
	return nil, false
}

func (s *Session) recvFrame(pkt []byte, now time.Time) {
	if len(pkt) < frameHeaderLen+seqLen+16 {
		return
	}
	if s.state != StateLinked && s.state != StateHandshakeSent {
		return
	}

	pt, ok := s.open(pkt)
	if !ok {
		// A single failed packet is dropped silently; repeated
		// failures close the session.
		s.authFail++
		instrument.PacketsDropped()
		if s.authFail >= constants.MaxConsecutiveAuthFailures {
			s.log.Warning("too many consecutive auth failures")
			s.terminate()
		}
		return
	}
	s.authFail = 0

	// A saturated filter can no longer tell replays apart.
	if s.replay.Entries() >= s.replay.MaxEntries() {
		s.log.Warning("replay window overflow")
		s.terminate()
		return
	}
	seq := pt[:seqLen]
	if s.replay.TestAndSet(seq) {
		s.replayHits++
		instrument.PacketsDropped()
		if s.replayHits >= constants.MaxConsecutiveReplays {
			s.log.Warning("replay window overflow")
			s.terminate()
		}
		return
	}
	s.replayHits = 0

	s.lastRx = now
	inner := pt[seqLen:]

	// First authenticated frame promotes an inbound session.
	if s.state == StateHandshakeSent && s.inbound {
		s.becomeLinked(now)
	}

	switch pkt[0] {
	case pktData:
		s.recvData(inner, now)
	case pktAck:
		s.recvAck(inner)
	case pktPing:
	case pktRekey:
		s.recvRekey(inner, now)
	case pktRekeyAck:
		s.recvRekeyAck(inner, now)
	case pktClose:
		s.log.Debug("close frame received")
		s.terminate()
	}
}

func (s *Session) recvData(inner []byte, now time.Time) {
	if len(inner) < 6 {
		return
	}
	msgid := binary.BigEndian.Uint32(inner[0:4])
	idx := int(inner[4])
	nfrags := int(inner[5])
	if nfrags == 0 || nfrags > maxFragments || idx >= nfrags {
		return
	}
	payload := inner[6:]

	if s.rxDedup.Contains(msgid) {
		// Already delivered; the ack was lost, repeat it.
		s.sendAck(msgid, now)
		return
	}

	r := s.rxPartial[msgid]
	if r == nil {
		r = &reassembly{frags: make([][]byte, nfrags), started: now}
		s.rxPartial[msgid] = r
	}
	if len(r.frags) != nfrags || r.frags[idx] != nil {
		return
	}
	r.frags[idx] = append([]byte{}, payload...)
	r.have++
	if r.have < nfrags {
		return
	}

	delete(s.rxPartial, msgid)
	s.rxDedup.Insert(msgid, now)
	s.sendAck(msgid, now)

	var msg []byte
	for _, f := range r.frags {
		msg = append(msg, f...)
	}
	if s.onMessage != nil {
		s.onMessage(s, msg)
	}
}

func (s *Session) sendAck(msgid uint32, now time.Time) {
	var inner [4]byte
	binary.BigEndian.PutUint32(inner[:], msgid)
	s.sendFrame(pktAck, inner[:], now)
}

func (s *Session) recvAck(inner []byte) {
	if len(inner) < 4 {
		return
	}
	msgid := binary.BigEndian.Uint32(inner[0:4])
	for _, m := range s.txq {
		if m.id == msgid {
			s.finishMessage(m, SendSuccess)
			return
		}
	}
}

func (s *Session) startRekey(now time.Time) {
	eph := new(crypto.SecretKey)
	if err := s.c.EncryptionKeygen(eph); err != nil {
		return
	}
	pub, err := crypto.CurvePublic(eph)
	if err != nil {
		return
	}
	s.rekeyEph = eph
	s.sendFrame(pktRekey, pub[:], now)
}

func (s *Session) recvRekey(inner []byte, now time.Time) {
	if len(inner) != crypto.PubKeySize {
		return
	}
	var remoteEph crypto.PubKey
	copy(remoteEph[:], inner)

	eph := new(crypto.SecretKey)
	if err := s.c.EncryptionKeygen(eph); err != nil {
		return
	}
	pub, err := crypto.CurvePublic(eph)
	if err != nil {
		return
	}
	s.sendFrame(pktRekeyAck, pub[:], now)
	if err := s.deriveKeys(remoteEph, eph, false); err != nil {
		s.terminate()
		return
	}
	s.keysInstalled = now
	s.bytesTx, s.bytesRx = 0, 0
}

func (s *Session) recvRekeyAck(inner []byte, now time.Time) {
	if s.rekeyEph == nil || len(inner) != crypto.PubKeySize {
		return
	}
	var remoteEph crypto.PubKey
	copy(remoteEph[:], inner)
	if err := s.deriveKeys(remoteEph, s.rekeyEph, true); err != nil {
		s.terminate()
		return
	}
	s.rekeyEph = nil
	s.keysInstalled = now
	s.bytesTx, s.bytesRx = 0, 0
}

// Renegotiate forces a fresh key exchange on an established session.
func (s *Session) Renegotiate(now time.Time) {
	if s.state == StateLinked && s.rekeyEph == nil {
		s.startRekey(now)
	}
}

// Tick drives retransmission, rekey, keepalive, and reassembly expiry.
func (s *Session) Tick(now time.Time) {
	switch s.state {
	case StateLinked:
	case StateIntroducing:
		// Keep the intro flowing until the ack lands or the deadline
		// hits.
		if !s.inbound && now.Sub(s.lastTx) >= retransmitInterval {
			s.sendIntro(pktIntro, nil, now)
		}
		return
	default:
		return
	}

	s.pumpSendQueue(now)

	if now.Sub(s.lastTx) > constants.PingInterval {
		s.sendFrame(pktPing, nil, now)
	}

	if s.rekeyEph == nil &&
		(s.bytesTx > constants.RekeyBytes || s.bytesRx > constants.RekeyBytes ||
			now.Sub(s.keysInstalled) > constants.RekeyInterval) {
		s.startRekey(now)
	}

	for id, r := range s.rxPartial {
		if now.Sub(r.started) > reassemblyTimeout {
			delete(s.rxPartial, id)
		}
	}
	s.rxDedup.Decay(now)
}

// Close tears the session down, emitting a close frame when the keys
// allow it.  All outstanding completions fire with failure.
func (s *Session) Close() {
	if s.state == StateTerminal {
		return
	}
	if s.state == StateLinked {
		s.state = StateClosing
		s.sendFrame(pktClose, nil, time.Now())
	}
	s.terminate()
}

func (s *Session) terminate() {
	if s.state == StateTerminal {
		return
	}
	s.state = StateTerminal
	for len(s.txq) > 0 {
		s.finishMessage(s.txq[0], SendFailure)
	}
	if s.onClosed != nil {
		s.onClosed(s)
	}
}
