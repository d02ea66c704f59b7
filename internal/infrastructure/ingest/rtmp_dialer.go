package ingest

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"castdeck/internal/core/domain"
	"castdeck/internal/core/ports"
	"castdeck/pkg/optimize"
	"castdeck/pkg/utils"

	"github.com/nareix/joy5/format/flv/flvio"
	"github.com/nareix/joy5/format/rtmp"
	"go.uber.org/zap"
)

type Config struct {
	WriteTimeout time.Duration
}

// RTMPDialer opens publish sessions on RTMP ingest endpoints.
type RTMPDialer struct {
	config Config
	logger *zap.SugaredLogger
	dialer net.Dialer
}

var _ ports.IngestDialer = (*RTMPDialer)(nil)

func NewRTMPDialer(config Config, logger *zap.SugaredLogger) *RTMPDialer {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	return &RTMPDialer{config: config, logger: logger}
}

type endpoint struct {
	url     *url.URL
	address string
	tls     bool
	app     string
}

func parseEndpoint(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, err
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	app := strings.Trim(u.Path, "/")
	if app == "" {
		return endpoint{}, fmt.Errorf("ingest URL has no application")
	}
	return endpoint{url: u, address: rtmp.UrlGetHost(u), tls: u.Scheme == "rtmps", app: app}, nil
}

// publishURL appends the stream key as the publish name.
func (ep endpoint) publishURL(streamKey string) *url.URL {
	u := *ep.url
	u.Path = "/" + ep.app + "/" + streamKey
	u.RawPath = ""
	return &u
}

// Dial connects and publishes streamKey. Rejected keys map to
// ErrInvalidCredentials, everything else to ErrConnectionRefused.
func (d *RTMPDialer) Dial(ctx context.Context, rawURL, streamKey string) (ports.IngestSession, error) {
	ep, err := parseEndpoint(rawURL)
	if err != nil {
		return nil, domain.ErrConnectionRefused.Wrap(err)
	}

	nc, err := d.connect(ctx, ep)
	if err != nil {
		return nil, refused(ctx, err)
	}

	// Abort the handshake when ctx ends.
	stop := make(chan struct{})
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		select {
		case <-ctx.Done():
			_ = nc.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	s, err := d.publish(nc, ep.publishURL(streamKey))
	close(stop)
	watch.Wait()
	if err != nil {
		_ = nc.Close()
		if ctx.Err() == nil {
			if mapped := statusError(err); mapped != nil {
				return nil, mapped
			}
		}
		return nil, refused(ctx, err)
	}
	_ = nc.SetDeadline(time.Time{})

	d.logger.Infow("rtmp publish session opened",
		"address", ep.address,
		"app", ep.app,
		"stream_key", utils.MaskSensitive(streamKey, 4),
	)
	return s, nil
}

func refused(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if deadline, ok := ctx.Deadline(); ok && ctxErr == nil && !time.Now().Before(deadline) {
		ctxErr = context.DeadlineExceeded
	}
	if ctxErr != nil {
		return domain.ErrConnectionRefused.Withf("connect aborted: %v", err).Wrap(ctxErr)
	}
	return domain.ErrConnectionRefused.Wrap(err)
}

func (d *RTMPDialer) connect(ctx context.Context, ep endpoint) (net.Conn, error) {
	if ep.tls {
		host, _, err := net.SplitHostPort(ep.address)
		if err != nil {
			return nil, err
		}
		td := tls.Dialer{NetDialer: &d.dialer, Config: &tls.Config{ServerName: host}}
		return td.DialContext(ctx, "tcp", ep.address)
	}
	return d.dialer.DialContext(ctx, "tcp", ep.address)
}

// bufConn is the buffered transport under an rtmp.Conn. The writer is kept
// so frames can be flushed one at a time.
type bufConn struct {
	*bufio.Reader
	*bufio.Writer
}

func (d *RTMPDialer) publish(nc net.Conn, u *url.URL) (*rtmpSession, error) {
	rw := &bufConn{
		Reader: bufio.NewReaderSize(nc, rtmp.BufioSize),
		Writer: bufio.NewWriterSize(nc, rtmp.BufioSize),
	}
	conn := rtmp.NewConn(rw)
	conn.URL = u
	if err := conn.Prepare(rtmp.StageGotPublishOrPlayCommand, rtmp.PrepareWriting); err != nil {
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		return nil, err
	}

	return &rtmpSession{
		nc:      nc,
		conn:    conn,
		w:       rw.Writer,
		timeout: d.config.WriteTimeout,
		started: time.Now(),
	}, nil
}

var statusCode = regexp.MustCompile(`CodeInvalid\(([^)]*)\)`)

// statusError maps an error status the ingest sent during connect or
// publish. Transport errors carry no status and return nil.
func statusError(err error) error {
	m := statusCode.FindStringSubmatch(err.Error())
	if m == nil {
		return nil
	}
	code := m[1]
	lower := strings.ToLower(code)
	switch {
	case strings.HasSuffix(code, ".BadName"),
		strings.HasSuffix(code, ".Denied"),
		strings.HasSuffix(code, ".Rejected"),
		strings.Contains(lower, "auth"):
		return domain.ErrInvalidCredentials.Withf("ingest rejected stream key: %s", code)
	default:
		return domain.ErrConnectionRefused.Withf("ingest refused publish: %s", code)
	}
}

// rtmpSession is one published stream. Frames are sent as AMF0 data
// messages describing the composited layout.
type rtmpSession struct {
	nc      net.Conn
	conn    *rtmp.Conn
	w       *bufio.Writer
	timeout time.Duration
	started time.Time

	mu     sync.Mutex
	stats  ports.IngestStats
	lost   bool
	closed bool
}

var (
	errIngestClosed = errors.New("ingest closed the connection")
	frameBufs       = optimize.NewBufferPool(64 << 10)
)

func (s *rtmpSession) WriteFrame(frame domain.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if !s.lost {
		select {
		case <-s.conn.CloseNotify():
			s.lost = true
		default:
		}
	}
	if s.lost {
		return errIngestClosed
	}

	vals := []interface{}{"onFrame", flvio.AMFMap{
		{K: "seq", V: frame.Seq},
		{K: "timestamp", V: float64(frame.Timestamp.UnixMilli())},
		{K: "quality", V: string(frame.Quality)},
		{K: "width", V: frame.Resolution.Width},
		{K: "height", V: frame.Resolution.Height},
		{K: "sources", V: len(frame.Sources)},
		{K: "overlays", V: len(frame.Overlays)},
	}}
	// WriteTag copies into the chunk writer, so the buffer is free on return.
	buf := frameBufs.Get()
	defer frameBufs.Put(buf)
	n := flvio.FillAMF0Vals(nil, vals)
	buf.Grow(n)
	data := buf.Bytes()[:n]
	flvio.FillAMF0Vals(data, vals)

	_ = s.nc.SetWriteDeadline(time.Now().Add(s.timeout))
	err := s.conn.WriteTag(flvio.Tag{
		Type: flvio.TAG_AMF0,
		Time: uint32(time.Since(s.started).Milliseconds()),
		Data: data,
	})
	if err == nil {
		err = s.w.Flush()
	}
	if err != nil {
		return err
	}
	s.stats.FramesSent++
	s.stats.BytesSent += uint64(len(data))
	return nil
}

func (s *rtmpSession) Stats() ports.IngestStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close drops the connection; ingest servers end the publish on disconnect.
func (s *rtmpSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.nc.Close()
}
