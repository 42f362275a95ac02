package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/d1nch8g/signstream/metrics"
	"github.com/d1nch8g/signstream/sound"
	"github.com/d1nch8g/signstream/stt"
	"github.com/d1nch8g/signstream/transport"
)

// TranscriptEntry is one final transcript received from the service.
type TranscriptEntry struct {
	Text      string    `json:"text"`
	Sign      string    `json:"sign,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type transcriptState struct {
	text   string
	sign   string
	final  bool
	status string

	speechFinal   string
	speechInterim string

	history []TranscriptEntry
}

// Snapshot is the observable state of the engine.
type Snapshot struct {
	Running    bool   `json:"running"`
	Mode       string `json:"mode"`
	Connection string `json:"connection"`
	Transcript string `json:"transcript"`
	Sign       string `json:"sign,omitempty"`
	Final      bool   `json:"final"`
	Speech     string `json:"speech,omitempty"`
	Status     string `json:"status"`
	Queue      int    `json:"queue"`
}

// dispatchLoop routes inbound envelopes and local recognition results until
// ctx is cancelled. A nil results channel disables local recognition.
func (e *Engine) dispatchLoop(ctx context.Context, messages <-chan transport.Envelope, results <-chan stt.Result) {
	defer e.dispatchWG.Done()

	for messages != nil || results != nil {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			e.dispatch(env)
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			e.updateSpeech(res)
		}
	}
}

func (e *Engine) dispatch(env transport.Envelope) {
	switch env.Kind {
	case transport.KindTranscript:
		e.stateMutex.Lock()
		e.state.text = env.Text
		e.state.sign = env.Sign
		e.state.final = env.Final
		if env.Final && env.Text != "" {
			e.addToHistoryLocked(TranscriptEntry{Text: env.Text, Sign: env.Sign, Timestamp: time.Now()})
		}
		e.stateMutex.Unlock()

		if env.Final {
			e.logger.Info("recognized", zap.String("text", env.Text), zap.String("sign", env.Sign))
		} else {
			e.logger.Debug("interim", zap.String("text", env.Text))
		}

		if !e.config.EnableTTS {
			return
		}
		if env.HasAudio() {
			e.enqueue(sound.Item{URL: env.AudioURL, Data: env.Audio})
			return
		}
		if env.Final && env.Text != "" {
			e.speak(env.Text)
		}

	case transport.KindInfo:
		e.setStatus(env.Message)

	case transport.KindAudio:
		if e.config.EnableTTS && env.HasAudio() {
			e.enqueue(sound.Item{URL: env.AudioURL, Data: env.Audio})
		}
	}
}

// synthWorker renders final transcripts locally, one at a time, so a slow
// synthesizer never holds up dispatch.
type synthWorker struct {
	requests chan string
	cancel   context.CancelFunc
	done     chan struct{}
}

const synthBacklog = 2

func (e *Engine) startSynthesis(ctx context.Context) {
	if e.deps.Synthesizer == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &synthWorker{
		requests: make(chan string, synthBacklog),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.synth.Store(w)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-w.requests:
				e.synthesize(ctx, text)
			}
		}
	}()
}

func (e *Engine) stopSynthesis() {
	if w := e.synth.Swap(nil); w != nil {
		w.cancel()
		<-w.done
	}
}

// speak queues text for local synthesis, dropping it when the backlog is
// full or no worker is running.
func (e *Engine) speak(text string) {
	w := e.synth.Load()
	if w == nil {
		return
	}
	select {
	case w.requests <- text:
	default:
		metrics.SynthesisDroppedTotal.Inc()
		e.logger.Debug("synthesizer busy, transcript not spoken", zap.String("text", text))
	}
}

func (e *Engine) synthesize(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, e.config.SynthesisTimeout)
	defer cancel()

	clip, err := e.deps.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		if !errors.Is(ctx.Err(), context.Canceled) {
			e.logger.Warn("local synthesis failed", zap.Error(err))
		}
		return
	}
	e.enqueue(sound.Item{Data: clip})
}

func (e *Engine) enqueue(item sound.Item) {
	if e.deps.Queue == nil {
		return
	}
	e.deps.Queue.Enqueue(item)
}

func (e *Engine) updateSpeech(res stt.Result) {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if !res.Final {
		e.state.speechInterim = res.Text
		return
	}
	e.state.speechInterim = ""
	if res.Text != "" {
		e.state.speechFinal = strings.TrimSpace(e.state.speechFinal + " " + res.Text)
	}
}

func (e *Engine) setStatus(status string) {
	e.stateMutex.Lock()
	e.state.status = status
	e.stateMutex.Unlock()

	e.logger.Info("status", zap.String("status", status))
}

// addToHistoryLocked keeps the last MaxHistorySize final transcripts.
func (e *Engine) addToHistoryLocked(entry TranscriptEntry) {
	e.state.history = append(e.state.history, entry)
	if len(e.state.history) > e.config.MaxHistorySize {
		e.state.history = e.state.history[len(e.state.history)-e.config.MaxHistorySize:]
	}
}

// Snapshot returns the current state for display.
func (e *Engine) Snapshot() Snapshot {
	running := e.live.Load()

	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()

	connection := transport.Disconnected
	if running && e.channel != nil {
		connection = e.channel.State()
	}

	snap := Snapshot{
		Running:    running,
		Mode:       e.config.Mode.String(),
		Connection: connection.String(),
		Transcript: e.state.text,
		Sign:       e.state.sign,
		Final:      e.state.final,
		Speech:     strings.TrimSpace(e.state.speechFinal + " " + e.state.speechInterim),
		Status:     e.state.status,
	}
	if e.deps.Queue != nil {
		snap.Queue = e.deps.Queue.Len()
	}
	return snap
}

// History returns a copy of the final transcripts, oldest first.
func (e *Engine) History() []TranscriptEntry {
	e.stateMutex.RLock()
	defer e.stateMutex.RUnlock()

	history := make([]TranscriptEntry, len(e.state.history))
	copy(history, e.state.history)
	return history
}

// ClearTranscript resets the displayed transcript, the local speech text and
// the history.
func (e *Engine) ClearTranscript() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	e.state.text = ""
	e.state.sign = ""
	e.state.final = false
	e.state.speechFinal = ""
	e.state.speechInterim = ""
	e.state.history = e.state.history[:0]
}

// StopAudio halts the playing clip and drops everything queued.
func (e *Engine) StopAudio() {
	if e.deps.Queue != nil {
		e.deps.Queue.Clear()
	}
}

func recordFrame(outcome string) {
	metrics.FramesTotal.WithLabelValues(outcome).Inc()
}

func recordFrameSize(n int) {
	metrics.FrameBytes.Observe(float64(n))
}
