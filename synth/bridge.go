package synth

import (
	"context"
	"sync"
	"time"

	"avatarkit/core"
	"avatarkit/utils/audio"
)

// Sink receives ordered synthesis output for delivery to the client.
type Sink interface {
	SendAudio(chunk core.AudioChunk) error
	SendAlignment(align core.AlignmentData) error
}

// Bridge forwards generated text to a speech-synthesis connection and
// streams the resulting audio back to the client in receipt order. A
// synthesis failure marks the bridge not-ready; forwarding then becomes a
// logged no-op until the session re-establishes the connection on its next
// listening transition.
type Bridge struct {
	service      core.SynthesisService
	sink         Sink
	logger       *core.Logger
	outputFormat core.AudioEncodingFormat

	mu    sync.Mutex
	ready bool

	audioCh chan core.AudioChunk
	alignCh chan core.AlignmentData
	errCh   chan error
	finalCh chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(service core.SynthesisService, sink Sink, outputFormat core.AudioEncodingFormat, logger *core.Logger) *Bridge {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Bridge{
		service:      service,
		sink:         sink,
		logger:       logger,
		outputFormat: outputFormat,
		audioCh:      make(chan core.AudioChunk, 64),
		alignCh:      make(chan core.AlignmentData, 64),
		errCh:        make(chan error, 4),
		finalCh:      make(chan struct{}, 1),
	}
}

// Start opens (or re-opens) the synthesis connection and begins pumping
// audio to the sink. Safe to call again after a failure.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return nil
	}
	prevCancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	// Stop a stale pump from a failed connection before dialing a new one so
	// only one goroutine ever writes to the sink. The service's reader was
	// tied to the cancelled context, so force a clean re-dial too.
	if prevCancel != nil {
		prevCancel()
		b.wg.Wait()
		if b.service.IsConnected() {
			if err := b.service.Close(); err != nil {
				b.logger.Debugf("closing stale synthesis connection: %v", err)
			}
		}
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	if err := b.service.Start(pumpCtx, b.audioCh, b.alignCh, b.errCh); err != nil {
		cancel()
		return err
	}

	b.mu.Lock()
	b.cancel = cancel
	b.ready = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(pumpCtx)
	return nil
}

// pump delivers provider output to the sink. A single goroutine preserves
// end-to-end chunk ordering.
func (b *Bridge) pump(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case chunk := <-b.audioCh:
			out := chunk
			if chunk.Format != b.outputFormat {
				converted, err := audio.ConvertAudioChunk(chunk, b.outputFormat)
				if err != nil {
					b.logger.Warnf("audio conversion failed, forwarding raw: %v", err)
				} else {
					out = converted
				}
			}
			if err := b.sink.SendAudio(out); err != nil {
				b.logger.Warnf("failed to deliver audio chunk: %v", err)
			}
			if chunk.IsFinal {
				select {
				case b.finalCh <- struct{}{}:
				default:
				}
			}
		case align := <-b.alignCh:
			// Alignment is advisory; delivery failures don't affect playback.
			if err := b.sink.SendAlignment(align); err != nil {
				b.logger.Debugf("dropped alignment event: %v", err)
			}
		case err := <-b.errCh:
			b.logger.Warnf("synthesis connection error, marking not ready: %v", err)
			b.setReady(false)
		case <-ctx.Done():
			return
		}
	}
}

// ForwardText buffers one incremental text unit on the synthesis connection
// with a try-generate hint. No-op while the bridge is not ready.
func (b *Bridge) ForwardText(text string) {
	if !b.Ready() {
		b.logger.Debug("synthesis not ready, dropping text unit")
		return
	}
	normalized := normalizeForSpeech(text)
	if normalized == "" {
		return
	}
	if err := b.service.BufferText(normalized); err != nil {
		b.logger.Warnf("failed to buffer synthesis text: %v", err)
		b.setReady(false)
	}
}

// Flush signals end of input so the provider emits any buffered trailing
// audio and marks the generation's last chunk final.
func (b *Bridge) Flush() {
	if !b.Ready() {
		return
	}
	if err := b.service.Flush(); err != nil {
		b.logger.Warnf("failed to flush synthesis stream: %v", err)
		b.setReady(false)
	}
}

// Reset abandons the current generation (barge-in or turn failure).
func (b *Bridge) Reset() {
	b.drainFinal()
	if !b.Ready() {
		return
	}
	if err := b.service.Reset(); err != nil {
		b.logger.Warnf("failed to reset synthesis stream: %v", err)
		b.setReady(false)
	}
}

// AwaitFinal blocks until the provider delivers the generation's final audio
// chunk, the timeout elapses, or ctx is cancelled. Returns true only when
// the final chunk arrived.
func (b *Bridge) AwaitFinal(ctx context.Context, timeout time.Duration) bool {
	if !b.Ready() {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.finalCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (b *Bridge) drainFinal() {
	select {
	case <-b.finalCh:
	default:
	}
}

// Ready reports whether the synthesis leg is usable.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *Bridge) setReady(ready bool) {
	b.mu.Lock()
	b.ready = ready
	b.mu.Unlock()
}

// Close tears down the synthesis connection and the pump goroutine.
func (b *Bridge) Close() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.ready = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := b.service.Close(); err != nil {
		b.logger.Debugf("synthesis close: %v", err)
	}
	b.wg.Wait()
}
