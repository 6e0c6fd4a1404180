package capture

import (
	"context"
	"sync"

	"github.com/Vovarama1992/voice_answer/internal/ports"
)

const defaultChunkBuffer = 64

// PushDevice is a microphone fed by the connected client: the client
// attaches (or reports that the user declined access) and then pushes
// chunks while a capture holds the track.
type PushDevice struct {
	mu          sync.Mutex
	attached    bool
	denied      bool
	contentType string
	track       *pushTrack
	buffer      int
}

func NewPushDevice(buffer int) *PushDevice {
	if buffer <= 0 {
		buffer = defaultChunkBuffer
	}
	return &PushDevice{buffer: buffer}
}

func (d *PushDevice) Attach(contentType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.track != nil {
		return ports.NewError(ports.KindDeviceUnavailable, "device is in use", nil)
	}
	if contentType == "" {
		contentType = "audio/webm"
	}
	d.attached = true
	d.denied = false
	d.contentType = contentType
	return nil
}

// Deny records that the user declined microphone access. A held track ends.
func (d *PushDevice) Deny() {
	d.mu.Lock()
	d.attached = false
	d.denied = true
	t := d.track
	d.mu.Unlock()

	if t != nil {
		t.end(ports.NewError(ports.KindPermissionDenied, "microphone access revoked", nil))
	}
}

// Detach removes the input device. A held track ends.
func (d *PushDevice) Detach() {
	d.mu.Lock()
	d.attached = false
	t := d.track
	d.mu.Unlock()

	if t != nil {
		t.end(ports.NewError(ports.KindDeviceUnavailable, "input device detached", nil))
	}
}

func (d *PushDevice) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

func (d *PushDevice) Acquire(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, ports.NewError(ports.KindDeviceUnavailable, "", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.denied:
		return nil, ports.NewError(ports.KindPermissionDenied, "microphone access declined", nil)
	case !d.attached:
		return nil, ports.NewError(ports.KindDeviceUnavailable, "no input device attached", nil)
	case d.track != nil:
		return nil, ports.NewError(ports.KindDeviceUnavailable, "device is in use", nil)
	}

	t := &pushTrack{
		owner:       d,
		contentType: d.contentType,
		ch:          make(chan []byte, d.buffer),
		done:        make(chan struct{}),
	}
	d.track = t
	return t, nil
}

// Push forwards one chunk to the held track. It blocks while the track's
// buffer is full.
func (d *PushDevice) Push(ctx context.Context, chunk []byte) error {
	d.mu.Lock()
	t := d.track
	d.mu.Unlock()

	if t == nil {
		return ports.NewError(ports.KindNotFound, "no recording in progress", nil)
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	return t.send(ctx, buf)
}

func (d *PushDevice) forget(t *pushTrack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.track == t {
		d.track = nil
	}
}

type pushTrack struct {
	owner       *PushDevice
	contentType string

	mu     sync.RWMutex
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
	reason error
}

func (t *pushTrack) Chunks() <-chan []byte { return t.ch }

func (t *pushTrack) ContentType() string { return t.contentType }

func (t *pushTrack) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Release is safe to call more than once.
func (t *pushTrack) Release() { t.end(nil) }

// end closes the track once. Sends that have not landed by then fail.
func (t *pushTrack) end(reason error) {
	t.once.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.reason = reason
		close(t.ch)
		t.mu.Unlock()
		t.owner.forget(t)
	})
}

func (t *pushTrack) send(ctx context.Context, chunk []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	select {
	case <-t.done:
		return ports.NewError(ports.KindNotFound, "recording already ended", nil)
	default:
	}

	select {
	case t.ch <- chunk:
		return nil
	case <-t.done:
		return ports.NewError(ports.KindNotFound, "recording already ended", nil)
	case <-ctx.Done():
		return ports.NewError(ports.KindTimeout, "audio buffer full", ctx.Err())
	}
}
