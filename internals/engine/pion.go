package engine

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WorkerOptions configures the pion-backed workers. Each worker gets its own
// slice of the UDP port range, mirroring how the media engine is deployed:
// worker i owns [RTCMinPort+i*PortsPerWorker, RTCMinPort+(i+1)*PortsPerWorker).
type WorkerOptions struct {
	RTCMinPort     uint16
	PortsPerWorker uint16
	PublicIP       string
	ICEServers     []webrtc.ICEServer
}

// NewWorkers builds count workers (count <= 0 means one per CPU core).
func NewWorkers(opts WorkerOptions, count int, logger *zap.Logger) ([]Worker, error) {
	if count <= 0 {
		count = runtime.NumCPU()
	}
	if opts.RTCMinPort == 0 {
		opts.RTCMinPort = 10000
	}
	if opts.PortsPerWorker == 0 {
		opts.PortsPerWorker = 100
	}

	workers := make([]Worker, 0, count)
	for i := 0; i < count; i++ {
		w, err := newPionWorker(i, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		workers = append(workers, w)
		logger.Info("Media worker created",
			zap.Int("workerID", i),
			zap.Uint16("minPort", opts.RTCMinPort+uint16(i)*opts.PortsPerWorker),
		)
	}
	return workers, nil
}

type pionWorker struct {
	id            int
	api           *webrtc.API
	gatherOptions webrtc.ICEGatherOptions
	logger        *zap.Logger
}

func newPionWorker(id int, opts WorkerOptions, logger *zap.Logger) (*pionWorker, error) {
	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range DefaultCodecs() {
		codecType := webrtc.RTPCodecTypeAudio
		if codec.Kind == KindVideo {
			codecType = webrtc.RTPCodecTypeVideo
		}
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    codec.MimeType,
				ClockRate:   codec.ClockRate,
				Channels:    codec.Channels,
				SDPFmtpLine: fmtpLine(codec.Parameters),
			},
			PayloadType: webrtc.PayloadType(codec.PreferredPayloadType),
		}, codecType); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", codec.MimeType, err)
		}
	}

	settingEngine := webrtc.SettingEngine{}
	minPort := opts.RTCMinPort + uint16(id)*opts.PortsPerWorker
	maxPort := minPort + opts.PortsPerWorker - 1
	if err := settingEngine.SetEphemeralUDPPortRange(minPort, maxPort); err != nil {
		return nil, fmt.Errorf("set port range: %w", err)
	}
	if opts.PublicIP != "" {
		settingEngine.SetNAT1To1IPs([]string{opts.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	return &pionWorker{
		id:            id,
		api:           webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		gatherOptions: webrtc.ICEGatherOptions{ICEServers: opts.ICEServers},
		logger:        logger,
	}, nil
}

func fmtpLine(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

func (w *pionWorker) ID() int { return w.id }

func (w *pionWorker) CreateRouter(codecs []RTPCodecCapability) (Router, error) {
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	return &pionRouter{
		id:         uuid.New().String(),
		worker:     w,
		codecs:     codecs,
		transports: make(map[string]*pionTransport),
	}, nil
}

func (w *pionWorker) Close() error { return nil }

type pionRouter struct {
	id     string
	worker *pionWorker
	codecs []RTPCodecCapability

	mu         sync.Mutex
	transports map[string]*pionTransport
	closed     bool
}

func (r *pionRouter) ID() string { return r.id }

func (r *pionRouter) RTPCapabilities() RTPCapabilities {
	return RTPCapabilities{Codecs: r.codecs}
}

func (r *pionRouter) CanConsume(producer Producer, caps RTPCapabilities) bool {
	if producer == nil {
		return false
	}
	return caps.CanDecode(producer.MimeType())
}

// CreateTransport allocates the ICE/DTLS stack and blocks until candidate
// gathering completes. Callers must not hold room locks across this.
func (r *pionRouter) CreateTransport(direction Direction) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	gatherer, err := r.worker.api.NewICEGatherer(r.worker.gatherOptions)
	if err != nil {
		return nil, fmt.Errorf("new gatherer: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	<-gatherDone

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("ice candidates: %w", err)
	}

	ice := r.worker.api.NewICETransport(gatherer)
	dtls, err := r.worker.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("new dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	t := &pionTransport{
		id:        uuid.New().String(),
		direction: direction,
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}
	t.params = TransportParams{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		if state == webrtc.DTLSTransportStateClosed || state == webrtc.DTLSTransportStateFailed {
			t.Close()
		}
	})

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*pionTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}

func (r *pionRouter) dropTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

type pionTransport struct {
	id        string
	direction Direction
	router    *pionRouter
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	params    TransportParams

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
	closedFns []func()
	closeOnce sync.Once
}

func (t *pionTransport) ID() string              { return t.id }
func (t *pionTransport) Direction() Direction    { return t.direction }
func (t *pionTransport) Params() TransportParams { return t.params }

func (t *pionTransport) OnClosed(fn func()) {
	t.mu.Lock()
	t.closedFns = append(t.closedFns, fn)
	t.mu.Unlock()
}

// Connect completes the ICE and DTLS handshakes with the remote side. Blocks
// on the handshakes; callers must not hold room locks across this.
func (t *pionTransport) Connect(params ConnectParams) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}
	// The browser side initiates checks; this end stays controlled.
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *pionTransport) Produce(kind MediaKind, rtpParams RTPParameters) (Producer, error) {
	if t.direction != DirectionSend {
		return nil, ErrWrongDirection
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.mu.Unlock()

	if len(rtpParams.Encodings) == 0 {
		return nil, fmt.Errorf("produce %s: missing encodings", kind)
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == KindVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.router.worker.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new receiver: %w", err)
	}

	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC: webrtc.SSRC(rtpParams.Encodings[0].SSRC),
			},
		}},
	}); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	p := &pionProducer{
		id:          uuid.New().String(),
		kind:        kind,
		mimeType:    producerMimeType(kind, rtpParams),
		clockRate:   producerClockRate(kind, rtpParams),
		channels:    producerChannels(rtpParams),
		ssrc:        rtpParams.Encodings[0].SSRC,
		transport:   t,
		receiver:    receiver,
		track:       receiver.Track(),
		subscribers: make(map[string]*pionConsumer),
		done:        make(chan struct{}),
	}

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()

	go p.fanOut()
	return p, nil
}

func producerMimeType(kind MediaKind, params RTPParameters) string {
	if len(params.Codecs) > 0 && params.Codecs[0].MimeType != "" {
		return params.Codecs[0].MimeType
	}
	if kind == KindVideo {
		return webrtc.MimeTypeVP8
	}
	return webrtc.MimeTypeOpus
}

func producerClockRate(kind MediaKind, params RTPParameters) uint32 {
	if len(params.Codecs) > 0 && params.Codecs[0].ClockRate != 0 {
		return params.Codecs[0].ClockRate
	}
	if kind == KindVideo {
		return 90000
	}
	return 48000
}

func producerChannels(params RTPParameters) uint16 {
	if len(params.Codecs) > 0 {
		return params.Codecs[0].Channels
	}
	return 0
}

func (t *pionTransport) Consume(producer Producer, caps RTPCapabilities) (Consumer, error) {
	if t.direction != DirectionRecv {
		return nil, ErrWrongDirection
	}
	src, ok := producer.(*pionProducer)
	if !ok {
		return nil, fmt.Errorf("consume: foreign producer %s", producer.ID())
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	if !t.router.CanConsume(producer, caps) {
		return nil, ErrIncompatibleCaps
	}

	consumerID := uuid.New().String()
	localTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  src.mimeType,
		ClockRate: src.clockRate,
		Channels:  src.channels,
	}, consumerID, src.id)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	sender, err := t.router.worker.api.NewRTPSender(localTrack, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("new sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	c := &pionConsumer{
		id:         consumerID,
		producer:   src,
		transport:  t,
		sender:     sender,
		localTrack: localTrack,
		paused:     true,
	}
	c.params = ConsumerParams{
		ID:            c.id,
		ProducerID:    src.id,
		Kind:          src.kind,
		RTPParameters: sendRTPParameters(sendParams, src),
	}

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	src.addSubscriber(c)
	return c, nil
}

func sendRTPParameters(params webrtc.RTPSendParameters, src *pionProducer) RTPParameters {
	out := RTPParameters{}
	for _, codec := range params.Codecs {
		if !strings.EqualFold(codec.MimeType, src.mimeType) {
			continue
		}
		out.Codecs = append(out.Codecs, RTPCodecParameters{
			MimeType:    codec.MimeType,
			PayloadType: uint8(codec.PayloadType),
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
		})
	}
	for _, enc := range params.Encodings {
		out.Encodings = append(out.Encodings, RTPEncoding{SSRC: uint32(enc.SSRC)})
	}
	return out
}

func (t *pionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		producers := make([]*pionProducer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*pionConsumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		closedFns := t.closedFns
		t.mu.Unlock()

		// A dying transport takes its producers down, which cascades into every
		// consumer subscribed to them anywhere in the room.
		for _, p := range producers {
			p.Close()
		}
		for _, c := range consumers {
			c.Close()
		}

		t.dtls.Stop()
		t.ice.Stop()
		t.router.dropTransport(t.id)

		for _, fn := range closedFns {
			fn()
		}
	})
	return nil
}

func (t *pionTransport) dropProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *pionTransport) dropConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

type pionProducer struct {
	id        string
	kind      MediaKind
	mimeType  string
	clockRate uint32
	channels  uint16
	ssrc      uint32
	transport *pionTransport
	receiver  *webrtc.RTPReceiver
	track     *webrtc.TrackRemote

	mu          sync.RWMutex
	subscribers map[string]*pionConsumer
	closeFns    []func()
	closed      bool
	done        chan struct{}
	closeOnce   sync.Once
}

func (p *pionProducer) ID() string       { return p.id }
func (p *pionProducer) Kind() MediaKind  { return p.kind }
func (p *pionProducer) MimeType() string { return p.mimeType }

func (p *pionProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.closeFns = append(p.closeFns, fn)
	p.mu.Unlock()
}

func (p *pionProducer) addSubscriber(c *pionConsumer) {
	p.mu.Lock()
	p.subscribers[c.id] = c
	p.mu.Unlock()
}

func (p *pionProducer) dropSubscriber(id string) {
	p.mu.Lock()
	delete(p.subscribers, id)
	p.mu.Unlock()
}

// fanOut pumps RTP from the producing peer into every non-paused subscriber
// track. One reader per producer; subscribers only ever see whole packets.
func (p *pionProducer) fanOut() {
	for {
		select {
		case <-p.done:
			return
		default:
		}

		packet, _, err := p.track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				p.Close()
				return
			}
			select {
			case <-p.done:
				return
			default:
				continue
			}
		}

		p.forward(packet)
	}
}

func (p *pionProducer) forward(packet *rtp.Packet) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.subscribers {
		if !c.Paused() {
			_ = c.localTrack.WriteRTP(packet)
		}
	}
}

// requestKeyframe asks the producing client for a fresh keyframe so a newly
// resumed consumer does not wait out a full keyframe interval.
func (p *pionProducer) requestKeyframe() {
	if p.kind != KindVideo {
		return
	}
	_, _ = p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	})
}

func (p *pionProducer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		subscribers := make([]*pionConsumer, 0, len(p.subscribers))
		for _, c := range p.subscribers {
			subscribers = append(subscribers, c)
		}
		closeFns := p.closeFns
		p.mu.Unlock()

		for _, c := range subscribers {
			c.Close()
		}
		_ = p.receiver.Stop()
		p.transport.dropProducer(p.id)

		for _, fn := range closeFns {
			fn()
		}
	})
	return nil
}

type pionConsumer struct {
	id         string
	producer   *pionProducer
	transport  *pionTransport
	sender     *webrtc.RTPSender
	localTrack *webrtc.TrackLocalStaticRTP
	params     ConsumerParams

	mu        sync.RWMutex
	paused    bool
	closed    bool
	closeFns  []func()
	closeOnce sync.Once
}

func (c *pionConsumer) ID() string             { return c.id }
func (c *pionConsumer) ProducerID() string     { return c.producer.id }
func (c *pionConsumer) Kind() MediaKind        { return c.producer.kind }
func (c *pionConsumer) Params() ConsumerParams { return c.params }

func (c *pionConsumer) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

func (c *pionConsumer) Resume() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasPaused := c.paused
	c.paused = false
	c.mu.Unlock()

	if wasPaused {
		c.producer.requestKeyframe()
	}
	return nil
}

func (c *pionConsumer) OnClose(fn func()) {
	c.mu.Lock()
	c.closeFns = append(c.closeFns, fn)
	c.mu.Unlock()
}

func (c *pionConsumer) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.paused = true
		closeFns := c.closeFns
		c.mu.Unlock()

		c.producer.dropSubscriber(c.id)
		_ = c.sender.Stop()
		c.transport.dropConsumer(c.id)

		for _, fn := range closeFns {
			fn()
		}
	})
	return nil
}
