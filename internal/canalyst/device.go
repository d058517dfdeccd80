package canalyst

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-canalyst-server/internal/logging"
	"github.com/kstaniek/go-canalyst-server/internal/metrics"
)

// Transport performs raw bulk transfers to numbered USB endpoints of an
// already-open Canalyst-II. It owns no protocol knowledge. The device
// core issues strictly synchronous, blocking transfers and provides no
// locking of its own; if both channels are driven from multiple
// goroutines the Transport must serialize access to the USB handle.
type Transport interface {
	// Write sends data to the given OUT endpoint in one bulk transfer.
	Write(endpoint int, data []byte) error
	// Read performs one bulk IN transfer of up to maxLen bytes from the
	// given endpoint (the device-to-host bit must already be set).
	Read(endpoint, maxLen int) ([]byte, error)
}

// Sentinel errors surfaced by the channel state machine.
var (
	ErrInvalidChannel       = errors.New("canalyst: invalid channel")
	ErrInvalidConfiguration = errors.New("canalyst: invalid configuration")
	ErrChannelNotReady      = errors.New("canalyst: channel not ready")
)

// Endpoint numbers per channel. The firmware exposes six bidirectional
// bulk endpoint pairs; only these four are known to matter.
var (
	channelCommandEP = [2]int{2, 4}
	channelMessageEP = [2]int{1, 3}
)

// epDirIn is the device-to-host direction bit; responses are read from
// the command endpoint number with this bit set.
const epDirIn = 0x80

// flushPollInterval spaces out the busy-poll status queries in
// FlushTransmitBuffer so the control path is not saturated.
const flushPollInterval = time.Millisecond

// ChannelConfig selects the bit rate for Init. Exactly one of Bitrate or
// the raw timing pair must be supplied: set RawTimings to use
// Timing0/Timing1 (BTR0/BTR1) directly and leave Bitrate zero.
type ChannelConfig struct {
	Bitrate    uint32
	Timing0    uint32
	Timing1    uint32
	RawTimings bool
	// DeferStart leaves the channel stopped after Init; by default the
	// channel is started as soon as it is programmed.
	DeferStart bool
}

// Device is the driver core for one adapter: two independent CAN channel
// state machines over a shared Transport. All methods block until their
// bulk transfers complete.
type Device struct {
	tr          Transport
	logger      *slog.Logger
	initialized [2]bool
	started     [2]bool
}

// NewDevice wraps an already-open Transport. Both channels start
// uninitialized; call Init before anything else. The caller owns the
// transport's lifecycle and must close it on its own exit path.
func NewDevice(tr Transport, logger *slog.Logger) *Device {
	if logger == nil {
		logger = logging.L()
	}
	return &Device{tr: tr, logger: logger}
}

func checkChannel(ch int) error {
	if ch != 0 && ch != 1 {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return nil
}

func (d *Device) checkStarted(ch int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if !d.initialized[ch] {
		return fmt.Errorf("%w: channel %d is not initialized", ErrChannelNotReady, ch)
	}
	if !d.started[ch] {
		return fmt.Errorf("%w: channel %d is stopped", ErrChannelNotReady, ch)
	}
	return nil
}

// sendCommand writes one 64-byte command packet to the channel's command
// endpoint. A single write, no buffering, no retries.
func (d *Device) sendCommand(ch int, packet []byte) error {
	if err := d.tr.Write(channelCommandEP[ch], packet); err != nil {
		metrics.IncError(metrics.ErrUSBCommand)
		return fmt.Errorf("canalyst: command write channel %d: %w", ch, err)
	}
	metrics.IncUSBCommand()
	return nil
}

// command issues a command and reads back the 64-byte response from the
// command endpoint's IN direction.
func (d *Device) command(ch int, packet []byte) ([]byte, error) {
	if err := d.sendCommand(ch, packet); err != nil {
		return nil, err
	}
	resp, err := d.tr.Read(channelCommandEP[ch]|epDirIn, CommandSize)
	if err != nil {
		metrics.IncError(metrics.ErrUSBCommand)
		return nil, fmt.Errorf("canalyst: response read channel %d: %w", ch, err)
	}
	return resp, nil
}

// Init programs the channel bit rate and, unless cfg.DeferStart is set,
// starts the channel. Re-initializing an already-initialized channel is
// legal and re-programs the bit rate.
func (d *Device) Init(ch int, cfg ChannelConfig) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	t0, t1 := cfg.Timing0, cfg.Timing1
	switch {
	case cfg.RawTimings && cfg.Bitrate != 0:
		return fmt.Errorf("%w: both bitrate and raw timings supplied", ErrInvalidConfiguration)
	case !cfg.RawTimings && cfg.Bitrate == 0:
		return fmt.Errorf("%w: either bitrate or raw timings required", ErrInvalidConfiguration)
	case !cfg.RawTimings:
		var err error
		t0, t1, err = TimingsFor(cfg.Bitrate)
		if err != nil {
			return err
		}
	}
	if err := d.sendCommand(ch, encodeInitCommand(t0, t1)); err != nil {
		return err
	}
	d.initialized[ch] = true
	d.logger.Debug("channel_init", "channel", ch, "timing0", t0, "timing1", t1)
	if cfg.DeferStart {
		return nil
	}
	return d.Start(ch)
}

// Start enables message transfer on an initialized channel. The hardware
// buffers received messages until Receive is called.
func (d *Device) Start(ch int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if !d.initialized[ch] {
		return fmt.Errorf("%w: channel %d is not initialized", ErrChannelNotReady, ch)
	}
	if err := d.sendCommand(ch, encodeSimpleCommand(CommandStart)); err != nil {
		return err
	}
	d.started[ch] = true
	return nil
}

// Stop halts message transfer on an initialized channel. Idempotent with
// respect to the started flag.
func (d *Device) Stop(ch int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if !d.initialized[ch] {
		return fmt.Errorf("%w: channel %d is not initialized", ErrChannelNotReady, ch)
	}
	if err := d.sendCommand(ch, encodeSimpleCommand(CommandStop)); err != nil {
		return err
	}
	d.started[ch] = false
	return nil
}

// ClearReceiveBuffer asks the firmware to drop buffered RX messages.
// This does not fully work in the device firmware: on a busy bus a small
// number of stale messages can still surface on the next Receive, so
// callers must not depend on strict emptiness.
func (d *Device) ClearReceiveBuffer(ch int) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	return d.sendCommand(ch, encodeSimpleCommand(CommandClearRxBuffer))
}

// MessageStatus queries the hardware's pending RX/TX message counts.
func (d *Device) MessageStatus(ch int) (MessageStatus, error) {
	if err := checkChannel(ch); err != nil {
		return MessageStatus{}, err
	}
	resp, err := d.command(ch, encodeSimpleCommand(CommandMessageStatus))
	if err != nil {
		return MessageStatus{}, err
	}
	return parseMessageStatus(resp)
}

// Status returns the raw CAN status register snapshot. The register
// semantics are only partially known, so values are passed through
// verbatim. Status can be read on a channel that is not started; a
// warning is logged since the snapshot may be stale.
func (d *Device) Status(ch int) (CANStatus, error) {
	if err := checkChannel(ch); err != nil {
		return CANStatus{}, err
	}
	if !d.started[ch] {
		d.logger.Warn("can_status_channel_not_started", "channel", ch)
	}
	resp, err := d.command(ch, encodeSimpleCommand(CommandCANStatus))
	if err != nil {
		return CANStatus{}, err
	}
	return parseCANStatus(resp)
}

// Send queues msgs for transmission on a started channel, preserving
// order, as a single bulk transfer of packed message buffers. Return
// does not guarantee bus transmission: the hardware retries arbitration
// and ACK status is only visible through Status. Use
// FlushTransmitBuffer to wait for the hardware TX buffer to drain.
func (d *Device) Send(ch int, msgs []Message) error {
	if err := d.checkStarted(ch); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := d.tr.Write(channelMessageEP[ch], PackMessages(msgs)); err != nil {
		metrics.IncError(metrics.ErrUSBWrite)
		return fmt.Errorf("canalyst: message write channel %d: %w", ch, err)
	}
	metrics.AddUSBTx(len(msgs))
	return nil
}

// Receive drains the hardware RX buffer of a started channel and returns
// the messages in arrival order. The read is sized for the reported
// pending count plus one buffer of margin, because the firmware
// sometimes leaves a message in the next buffer (fragmentation); reads
// are reissued until the reported count is covered or a read comes back
// empty. More messages than initially reported may be returned if new
// ones arrive meanwhile.
func (d *Device) Receive(ch int) ([]Message, error) {
	if err := d.checkStarted(ch); err != nil {
		return nil, err
	}
	status, err := d.MessageStatus(ch)
	if err != nil {
		return nil, err
	}
	if status.RxPending == 0 {
		return nil, nil
	}
	target := int(status.RxPending)
	var out []Message
	for len(out) < target {
		remaining := target - len(out)
		nbuf := (remaining+MessagesPerBuf-1)/MessagesPerBuf + 1
		data, err := d.tr.Read(channelMessageEP[ch]|epDirIn, nbuf*BufferSize)
		if err != nil {
			metrics.IncError(metrics.ErrUSBRead)
			return nil, fmt.Errorf("canalyst: message read channel %d: %w", ch, err)
		}
		got, err := UnpackBuffers(data, func(m Message) { out = append(out, m) })
		if err != nil {
			return nil, err
		}
		metrics.AddUSBRx(got)
		if got == 0 {
			// Status register over-reported; don't spin on an empty pipe.
			d.logger.Debug("rx_read_empty", "channel", ch, "remaining", remaining)
			break
		}
	}
	return out, nil
}

// FlushTransmitBuffer polls the pending-transmit count until it reaches
// zero or timeout elapses, reporting whether the hardware TX buffer
// drained. A zero timeout performs exactly one status query. An empty TX
// buffer does not mean every message made it onto the bus; see Send.
func (d *Device) FlushTransmitBuffer(ch int, timeout time.Duration) (bool, error) {
	if err := checkChannel(ch); err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	for {
		status, err := d.MessageStatus(ch)
		if err != nil {
			return false, err
		}
		if status.TxPending == 0 {
			return true, nil
		}
		if timeout <= 0 || !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(flushPollInterval)
	}
}
