//go:build linux && cgo && !headless

// pcm_alsa.go - cgo binding to libasound's PCM capture interface for the
// V/ISENSE stream.

package alsactl

/*
#cgo LDFLAGS: -lasound
#include <alsa/asoundlib.h>
#include <stdlib.h>

static snd_pcm_t *pcm_open_capture(const char *device, int *err) {
    snd_pcm_t *handle;
    *err = snd_pcm_open(&handle, device, SND_PCM_STREAM_CAPTURE, 0);
    return handle;
}

static int pcm_setup(snd_pcm_t *handle, unsigned int channels, snd_pcm_uframes_t period, unsigned int *rate) {
    snd_pcm_hw_params_t *params;
    snd_pcm_hw_params_alloca(&params);

    int err = snd_pcm_hw_params_any(handle, params);
    if (err < 0) return err;

    err = snd_pcm_hw_params_set_access(handle, params, SND_PCM_ACCESS_RW_INTERLEAVED);
    if (err < 0) return err;

    err = snd_pcm_hw_params_set_format(handle, params, SND_PCM_FORMAT_S16_LE);
    if (err < 0) return err;

    err = snd_pcm_hw_params_set_channels(handle, params, channels);
    if (err < 0) return err;

    if (*rate == 0) {
        unsigned int rmin;
        err = snd_pcm_hw_params_get_rate_min(params, &rmin, 0);
        if (err < 0) return err;
        *rate = rmin;
    }
    err = snd_pcm_hw_params_set_rate_near(handle, params, rate, 0);
    if (err < 0) return err;

    snd_pcm_uframes_t p = period;
    err = snd_pcm_hw_params_set_period_size_near(handle, params, &p, 0);
    if (err < 0) return err;

    err = snd_pcm_hw_params(handle, params);
    if (err < 0) return err;

    return snd_pcm_prepare(handle);
}

static snd_pcm_sframes_t pcm_read(snd_pcm_t *handle, short *buf, snd_pcm_uframes_t frames) {
    return snd_pcm_readi(handle, buf, frames);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

type alsaCapture struct {
	handle   *C.snd_pcm_t
	channels int
	period   int
	rate     int
}

// OpenCapture opens device (e.g. "hw:MacJ493,3") for interleaved S16_LE
// capture at channels channels, negotiating a period as close to
// periodFrames as the driver allows, and discovering the sample rate.
func OpenCapture(device string, channels, periodFrames int) (CaptureStream, error) {
	cdev := C.CString(device)
	defer C.free(unsafe.Pointer(cdev))

	var cerr C.int
	handle := C.pcm_open_capture(cdev, &cerr)
	if cerr < 0 {
		return nil, fmt.Errorf("alsactl: open capture %q: %s", device, C.GoString(C.snd_strerror(cerr)))
	}

	rate := C.uint(0)
	if rc := C.pcm_setup(handle, C.uint(channels), C.snd_pcm_uframes_t(periodFrames), &rate); rc < 0 {
		C.snd_pcm_close(handle)
		return nil, fmt.Errorf("alsactl: setup capture %q: %s", device, C.GoString(C.snd_strerror(rc)))
	}

	return &alsaCapture{
		handle:   handle,
		channels: channels,
		period:   periodFrames,
		rate:     int(rate),
	}, nil
}

func (a *alsaCapture) Read(buf []int16) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	frames := len(buf) / a.channels
	n := C.pcm_read(a.handle, (*C.short)(unsafe.Pointer(&buf[0])), C.snd_pcm_uframes_t(frames))
	if n < 0 {
		if n == -C.EPIPE {
			C.snd_pcm_prepare(a.handle)
			return 0, ErrXrun
		}
		return 0, fmt.Errorf("alsactl: capture read: %s", C.GoString(C.snd_strerror(C.int(n))))
	}
	if int(n) != frames {
		return int(n), ErrXrun
	}
	return int(n), nil
}

func (a *alsaCapture) SampleRate() int { return a.rate }

func (a *alsaCapture) Close() error {
	if a.handle != nil {
		C.snd_pcm_close(a.handle)
		a.handle = nil
	}
	return nil
}
