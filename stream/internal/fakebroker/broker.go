// Package fakebroker provides a scripted in-process broker that speaks the
// stream protocol handshake and answers correlated requests. It is used by the
// tests of the connection, pool and client packages.
package fakebroker

import (
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"net"
	"strconv"
	"sync"
	"time"
)

// Handler answers a request. It returns false to fall back to the default handling.
type Handler func(s *Session, h codec.RequestHeader, r *codec.Reader) bool

// Request is a recorded client frame
type Request struct {
	Header codec.RequestHeader
	Body   []byte
}

// Broker is a fake broker listening on a loopback port
type Broker struct {
	// handshake parameters, change them before the first client connects
	Mechanisms       []string
	Properties       map[string]string
	TuneFrameMax     uint32
	TuneHeartbeat    uint32
	AdvertisedHost   string
	AdvertisedPort   int
	ServerVersions   []common.CommandVersion
	FailAuthenticate bool
	SkipTune         bool

	listener net.Listener

	mu       sync.Mutex
	handlers map[uint16]Handler
	requests []Request
	sessions []*Session

	wg sync.WaitGroup
}

// Start creates a broker listening on 127.0.0.1 with a random port
func Start() (*Broker, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	b := &Broker{
		Mechanisms:    []string{common.MechanismPlain, common.MechanismExternal},
		Properties:    map[string]string{"version": "3.13.1", "product": "RabbitMQ"},
		TuneFrameMax:  1048576,
		TuneHeartbeat: 60,
		ServerVersions: []common.CommandVersion{
			{Key: common.KeyPublish, MinVersion: 1, MaxVersion: 2},
			{Key: common.KeyDeliver, MinVersion: 1, MaxVersion: 2},
		},
		listener: listener,
		handlers: make(map[uint16]Handler),
	}
	b.AdvertisedHost = b.Host()
	b.AdvertisedPort = b.Port()

	b.wg.Add(1)
	go b.accept()
	return b, nil
}

// Host returns the listening host
func (b *Broker) Host() string {
	return b.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port
func (b *Broker) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

// Config returns a client configuration pointing to the broker
func (b *Broker) Config() common.ClientConfig {
	conf := common.DefaultClientConfig()
	conf.Hostname = b.Host()
	conf.Port = b.Port()
	conf.RequestTimeoutSecond = 5
	conf.TimeoutSecond = 5
	return conf
}

// Handle installs a handler for a request key
func (b *Broker) Handle(key uint16, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = handler
}

// Requests returns all recorded requests with the given key
func (b *Broker) Requests(key uint16) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, r := range b.requests {
		if r.Header.Key == key {
			out = append(out, r)
		}
	}
	return out
}

// Keys returns the keys of all recorded requests in arrival order
func (b *Broker) Keys() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, 0, len(b.requests))
	for _, r := range b.requests {
		out = append(out, r.Header.Key)
	}
	return out
}

// Sessions returns the accepted client sessions
func (b *Broker) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// Close stops the listener, closes all sessions and waits for their goroutines
func (b *Broker) Close() {
	b.listener.Close()
	for _, s := range b.Sessions() {
		s.Close()
	}
	b.wg.Wait()
}

func (b *Broker) accept() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		s := &Session{conn: conn, broker: b}
		b.mu.Lock()
		b.sessions = append(b.sessions, s)
		b.mu.Unlock()

		b.wg.Add(1)
		go s.serve()
	}
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// Session is one accepted client connection
type Session struct {
	conn    net.Conn
	broker  *Broker
	writeMu sync.Mutex

	mu              sync.Mutex
	negotiatedFrame uint32
	negotiatedHB    uint32
	tuned           bool
	correlationID   uint32
}

// Write sends a raw frame to the client
func (s *Session) Write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// Close closes the session socket
func (s *Session) Close() error { return s.conn.Close() }

// Tuned returns the frame-max and heartbeat the client answered the tune with
func (s *Session) Tuned() (frameMax, heartbeat uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedFrame, s.negotiatedHB, s.tuned
}

// NextCorrelationID returns a correlation id for server initiated requests
func (s *Session) NextCorrelationID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.correlationID++
	return s.correlationID
}

// Respond sends a response with the given code and optional payload
func (s *Session) Respond(h codec.RequestHeader, code uint16, payload func(w *codec.Writer)) error {
	return s.Write(codec.EncodeResponse(common.ResponseKey(h.Key), h.CorrelationID, code, payload))
}

func (s *Session) serve() {
	defer s.broker.wg.Done()
	defer s.conn.Close()

	for {
		body, err := codec.ReadFrame(s.conn, 0)
		if err != nil {
			return
		}
		header, r, err := codec.ParseRequest(body)
		if err != nil {
			return
		}

		s.broker.mu.Lock()
		s.broker.requests = append(s.broker.requests, Request{Header: header, Body: body})
		handler := s.broker.handlers[header.Key]
		s.broker.mu.Unlock()

		if handler != nil && handler(s, header, r) {
			continue
		}
		if !s.handleDefault(header, r) {
			return
		}
	}
}

// handleDefault implements the broker behavior used unless a handler overrides it.
// It returns false when the session must end.
func (s *Session) handleDefault(h codec.RequestHeader, r *codec.Reader) bool {
	b := s.broker
	switch h.Key {
	case common.KeyPeerProperties:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteStringMap(b.Properties) })

	case common.KeySaslHandshake:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteStringArray(b.Mechanisms) })

	case common.KeySaslAuthenticate:
		if b.FailAuthenticate {
			s.Respond(h, common.ResponseCodeAuthenticationFailure, nil)
			return true
		}
		s.Respond(h, common.ResponseCodeOK, nil)
		if !b.SkipTune {
			s.Write(codec.EncodeTune(b.TuneFrameMax, b.TuneHeartbeat))
		}

	case common.ResponseKey(common.KeyTune):
		s.mu.Lock()
		s.negotiatedFrame = r.ReadUint32()
		s.negotiatedHB = r.ReadUint32()
		s.tuned = true
		s.mu.Unlock()

	case common.KeyOpen:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) {
			w.WriteStringMap(map[string]string{
				"advertised_host": b.AdvertisedHost,
				"advertised_port": strconv.Itoa(b.AdvertisedPort),
			})
		})

	case common.KeyExchangeCommandVersions:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) {
			w.WriteInt32(int32(len(b.ServerVersions)))
			for _, v := range b.ServerVersions {
				w.WriteUint16(v.Key)
				w.WriteUint16(v.MinVersion)
				w.WriteUint16(v.MaxVersion)
			}
		})

	case common.KeyClose:
		s.Respond(h, common.ResponseCodeOK, nil)
		// give the client the chance to read the answer before the socket goes away
		time.Sleep(10 * time.Millisecond)
		return false

	case common.KeyMetadata:
		streams := r.ReadStringArray()
		broker := codec.Broker{Reference: 0, Host: b.AdvertisedHost, Port: uint32(b.AdvertisedPort)}
		metas := make([]codec.StreamMetadata, 0, len(streams))
		for _, stream := range streams {
			metas = append(metas, codec.StreamMetadata{Stream: stream, Code: common.ResponseCodeOK, Leader: &broker, Replicas: []codec.Broker{broker}})
		}
		s.Write(codec.EncodeMetadataResponse(h.CorrelationID, []codec.Broker{broker}, metas))

	case common.KeyQueryOffset, common.KeyQueryPublisherSequence:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteUint64(0) })

	case common.KeyPartitions, common.KeyRoute:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteStringArray(nil) })

	case common.KeyStreamStats:
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteInt32(0) })

	case common.KeyPublish:
		// confirm every message
		publisherID := r.ReadUint8()
		count := int(r.ReadInt32())
		ids := make([]uint64, 0, count)
		for i := 0; i < count && r.Err() == nil; i++ {
			ids = append(ids, r.ReadUint64())
			if h.Version >= 2 {
				r.ReadString()
			}
			r.ReadBytes()
		}
		s.Write(codec.EncodePublishConfirm(publisherID, ids))

	case common.KeyHeartbeat, common.KeyCredit, common.KeyStoreOffset,
		common.ResponseKey(common.KeyConsumerUpdate), common.ResponseKey(common.KeyClose):
		// not answered

	default:
		s.Respond(h, common.ResponseCodeOK, nil)
	}
	return true
}
