package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/metrics"
	"github.com/d1nch8g/signstream/pcm"
	"github.com/d1nch8g/signstream/transport"
	"github.com/d1nch8g/signstream/video"
)

var errSenderBusy = errors.New("previous send still in flight")

type framePayload struct {
	meta video.FrameMeta
	jpeg []byte
}

// The capture and flush ticks only hand payloads off. Each media kind has
// one sender goroutine with a single slot in front of it, so a stalled
// socket write or fallback upload drops units instead of holding the tick.
func (e *Engine) startSenders(ctx context.Context) {
	e.audioOut = make(chan []int16, 1)
	e.frameOut = make(chan framePayload, 1)

	var sendCtx context.Context
	sendCtx, e.sendCancel = context.WithCancel(ctx)

	e.sendWG.Add(2)
	go func() {
		defer e.sendWG.Done()
		for {
			select {
			case <-sendCtx.Done():
				return
			case samples := <-e.audioOut:
				if err := e.sendAudio(sendCtx, samples); err != nil && !errors.Is(err, errNotLive) {
					e.logger.Debug("audio batch dropped", zap.Error(err))
				}
			}
		}
	}()
	go func() {
		defer e.sendWG.Done()
		for {
			select {
			case <-sendCtx.Done():
				return
			case frame := <-e.frameOut:
				e.sendFrame(sendCtx, frame)
			}
		}
	}()
}

func (e *Engine) stopSenders() {
	e.sendCancel()
	e.sendWG.Wait()
}

// publishAudio hands one flushed batch to the audio sender.
func (e *Engine) publishAudio(ctx context.Context, samples []int16) error {
	if !e.live.Load() {
		return errNotLive
	}
	select {
	case e.audioOut <- samples:
		return nil
	default:
		metrics.SenderBusyTotal.WithLabelValues("audio").Inc()
		return errSenderBusy
	}
}

func (e *Engine) publishFrame(frame framePayload) {
	select {
	case e.frameOut <- frame:
	default:
		metrics.SenderBusyTotal.WithLabelValues("frame").Inc()
		e.logger.Debug("frame dropped", zap.Error(errSenderBusy))
	}
}

// sendAudio writes the batch to the channel, or uploads it as WAV while
// the channel is down.
func (e *Engine) sendAudio(ctx context.Context, samples []int16) error {
	if !e.live.Load() {
		return errNotLive
	}

	err := e.channel.SendBinary(pcm.PCM16ToBytes(samples))
	if err == nil {
		return nil
	}
	if !errors.Is(err, transport.ErrNotConnected) || e.deps.Uploader == nil {
		return err
	}

	envelopes, err := e.deps.Uploader.PostAudio(ctx, pcm.PCM16ToWav(samples, pcm.TargetRate))
	if err != nil {
		return fmt.Errorf("fallback upload failed: %w", err)
	}
	for _, env := range envelopes {
		e.dispatch(env)
	}
	return nil
}

func (e *Engine) sendFrame(ctx context.Context, frame framePayload) {
	if !e.live.Load() {
		return
	}

	err := e.channel.SendFrame(frame.meta, frame.jpeg)
	if err == nil {
		recordFrameSize(len(frame.jpeg))
		return
	}
	if !errors.Is(err, transport.ErrNotConnected) || e.deps.Uploader == nil {
		e.logger.Debug("frame dropped", zap.Error(err))
		return
	}

	envelopes, err := e.deps.Uploader.PostFrame(ctx, frame.jpeg)
	if err != nil {
		e.logger.Debug("fallback frame dropped", zap.Error(err))
		return
	}
	recordFrameSize(len(frame.jpeg))
	for _, env := range envelopes {
		e.dispatch(env)
	}
}
