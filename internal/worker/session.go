package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/sydlexius/gridserver/internal/catalog"
)

// MinProtocolVersion is the oldest client protocol served.
const MinProtocolVersion = "2.0.0"

// Frame types.
const (
	FrameQuit       uint32 = 1
	FramePluginList uint32 = 2
)

// maxFrameSize bounds a single frame payload.
const maxFrameSize = 16 << 20

// ErrProtocolVersion is returned when a client is older than MinProtocolVersion.
var ErrProtocolVersion = errors.New("unsupported protocol version")

var minProtocol = semver.MustParse(MinProtocolVersion)

// Handshake is the fixed-size little-endian record a client sends first.
type Handshake struct {
	// Version packs major<<16 | minor<<8 | patch.
	Version         uint32
	ClientPort      int32
	ChannelsIn      int32
	ChannelsOut     int32
	Rate            float64
	SamplesPerBlock int32
	DoublePrecision bool
}

// ProtocolVersion unpacks Version.
func (h Handshake) ProtocolVersion() *semver.Version {
	return semver.New(uint64(h.Version>>16), uint64(h.Version>>8&0xff), uint64(h.Version&0xff), "", "")
}

// PackVersion packs a semantic version into the handshake encoding.
func PackVersion(v *semver.Version) uint32 {
	return uint32(v.Major())<<16 | uint32(v.Minor()&0xff)<<8 | uint32(v.Patch()&0xff)
}

// ReadHandshake reads a handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Handshake{}, fmt.Errorf("reading handshake: %w", err)
	}
	return h, nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) (uint32, []byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return typ, payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, typ uint32, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], typ)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

// Processor receives frames other than Quit. The audio engine plugs in
// here; without one the frames are discarded.
type Processor interface {
	Handle(ctx context.Context, typ uint32, payload []byte) error
}

// CatalogSource returns the descriptors offered to clients.
type CatalogSource func() []catalog.Descriptor

// DefaultSession performs the handshake, sends the plugin list and then
// consumes frames until the client quits or disconnects.
type DefaultSession struct {
	Plugins   CatalogSource
	Processor Processor
	Logger    *slog.Logger
}

// Run implements Session.
func (s *DefaultSession) Run(ctx context.Context, conn net.Conn) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("remote", conn.RemoteAddr().String()))

	h, err := ReadHandshake(conn)
	if err != nil {
		return err
	}
	v := h.ProtocolVersion()
	logger.Info("client handshake",
		slog.String("version", v.String()),
		slog.Int("client_port", int(h.ClientPort)),
		slog.Int("channels_in", int(h.ChannelsIn)),
		slog.Int("channels_out", int(h.ChannelsOut)),
		slog.Float64("rate", h.Rate),
		slog.Int("samples_per_block", int(h.SamplesPerBlock)),
		slog.Bool("double_precision", h.DoublePrecision),
	)
	if v.LessThan(minProtocol) {
		logger.Warn("rejecting client with old protocol",
			slog.String("version", v.String()),
			slog.String("minimum", MinProtocolVersion),
		)
		return fmt.Errorf("%w: %s < %s", ErrProtocolVersion, v, MinProtocolVersion)
	}

	var ds []catalog.Descriptor
	if s.Plugins != nil {
		ds = s.Plugins()
	}
	if err := WriteFrame(conn, FramePluginList, []byte(PluginList(ds, int(h.ChannelsIn)))); err != nil {
		return fmt.Errorf("sending plugin list: %w", err)
	}

	for {
		typ, payload, err := ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if typ == FrameQuit {
			logger.Info("client quit")
			return nil
		}
		if s.Processor != nil {
			if err := s.Processor.Handle(ctx, typ, payload); err != nil {
				return err
			}
		}
	}
}

// PluginList renders the descriptors a client with channelsIn inputs can
// host, one "name|manufacturer|id|format" line each. Effects need inputs
// on both sides; a client without inputs gets generators and instruments.
func PluginList(ds []catalog.Descriptor, channelsIn int) string {
	var b strings.Builder
	for _, d := range ds {
		ok := (d.NumInputs > 0 && channelsIn > 0) ||
			(d.NumInputs == 0 && channelsIn == 0) ||
			(d.IsInstrument && channelsIn == 0)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s|%s|%s|%s\n", d.Name, d.Manufacturer, d.ID(), d.Format)
	}
	return b.String()
}
