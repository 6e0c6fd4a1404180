package capture

import (
	"bytes"
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Vovarama1992/voice_answer/internal/audio"
	"github.com/Vovarama1992/voice_answer/internal/ports"
)

// BlobCapturer records raw audio from a Device for server-side transcription.
type BlobCapturer struct {
	session *Session
	device  Device
	h       Handlers
	log     *zap.Logger

	mu  sync.Mutex
	run *blobRun
}

type blobRun struct {
	attempt  uint64
	track    Track
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *blobRun) halt() { r.stopOnce.Do(func() { close(r.stop) }) }

func NewBlobCapturer(session *Session, device Device, h Handlers, log *zap.Logger) *BlobCapturer {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlobCapturer{session: session, device: device, h: h, log: log}
}

func (c *BlobCapturer) Variant() Variant { return VariantBlob }

func (c *BlobCapturer) Start(ctx context.Context) error {
	actx, cancel := context.WithCancel(ctx)
	attempt, err := c.session.claim(ModeRecordingBlob, cancel)
	if err != nil {
		cancel()
		return err
	}

	track, err := c.device.Acquire(actx)
	if err != nil {
		c.session.end(attempt)
		cancel()
		c.log.Info("[capture] blob start failed", zap.Error(err))
		return deviceError(err)
	}

	run := &blobRun{
		attempt: attempt,
		track:   track,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.run = run
	c.mu.Unlock()

	c.log.Debug("[capture] blob recording", zap.String("content_type", track.ContentType()))
	go c.read(actx, run)
	return nil
}

// Stop finalizes the recording into one blob and hands it to OnResult.
// A failure is returned and also delivered to OnError.
func (c *BlobCapturer) Stop() error {
	run := c.current()
	if run == nil || !c.session.owns(run.attempt, ModeRecordingBlob) {
		return nil
	}

	run.halt()
	<-run.done

	snap, ok := c.session.end(run.attempt)
	run.track.Release()
	run.cancel()
	if !ok {
		return nil
	}

	blob, err := c.finalize(snap.chunks, run.track.ContentType())
	if err != nil {
		c.h.fail(err)
		return err
	}
	c.h.result(Result{Variant: VariantBlob, Blob: blob})
	return nil
}

func (c *BlobCapturer) Cancel() {
	run := c.current()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

func (c *BlobCapturer) current() *blobRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

func (c *BlobCapturer) read(ctx context.Context, run *blobRun) {
	defer close(run.done)

	for {
		select {
		case <-ctx.Done():
			c.session.end(run.attempt)
			run.track.Release()
			return
		case <-run.stop:
			c.drain(run)
			return
		case chunk, ok := <-run.track.Chunks():
			if !ok {
				run.track.Release()
				if _, owned := c.session.end(run.attempt); owned {
					run.cancel()
					c.h.fail(trackEnded(run.track))
				}
				return
			}
			c.session.addChunk(run.attempt, chunk)
		}
	}
}

// drain closes the track first so that every chunk Push accepted is kept.
func (c *BlobCapturer) drain(run *blobRun) {
	run.track.Release()
	for chunk := range run.track.Chunks() {
		c.session.addChunk(run.attempt, chunk)
	}
}

func trackEnded(t Track) error {
	if err := t.Err(); err != nil {
		return err
	}
	return ports.NewError(ports.KindDeviceUnavailable, "audio track ended", nil)
}

func (c *BlobCapturer) finalize(chunks [][]byte, contentType string) (ports.Blob, error) {
	data := bytes.Join(chunks, nil)
	if len(data) == 0 {
		return ports.Blob{}, ports.NewError(ports.KindNoSpeechDetected, "recording is empty", nil)
	}

	if f, ok := audio.ParseL16(contentType); ok {
		wav, err := audio.EncodeWAV(data, f)
		if err != nil {
			return ports.Blob{}, ports.NewError(ports.KindInternal, "wrap pcm", err)
		}
		data, contentType = wav, audio.ContentTypeWAV
	}

	c.log.Debug("[capture] blob ready",
		zap.String("size", humanize.Bytes(uint64(len(data)))),
		zap.Int("chunks", len(chunks)),
		zap.String("content_type", contentType),
	)
	return ports.Blob{Data: data, ContentType: contentType}, nil
}
