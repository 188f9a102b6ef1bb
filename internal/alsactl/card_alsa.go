//go:build linux && cgo && !headless

// card_alsa.go - cgo binding to libasound's control (mixer) interface.

package alsactl

/*
#cgo LDFLAGS: -lasound
#include <alsa/asoundlib.h>
#include <alsa/control.h>
#include <alsa/tlv.h>
#include <stdlib.h>
#include <string.h>

static snd_ctl_t *ctl_open(const char *name, int *err) {
    snd_ctl_t *ctl;
    *err = snd_ctl_open(&ctl, name, 0);
    if (*err < 0) return NULL;
    return ctl;
}

static int ctl_find(snd_ctl_t *ctl, const char *name, snd_ctl_elem_id_t **out) {
    snd_ctl_elem_id_t *id;
    snd_ctl_elem_id_alloca(&id);
    snd_ctl_elem_id_set_interface(id, SND_CTL_ELEM_IFACE_MIXER);
    snd_ctl_elem_id_set_name(id, name);

    snd_ctl_elem_info_t *info;
    snd_ctl_elem_info_alloca(&info);
    snd_ctl_elem_info_set_id(info, id);
    int err = snd_ctl_elem_info(ctl, info);
    if (err < 0) return err;

    *out = malloc(snd_ctl_elem_id_sizeof());
    if (*out == NULL) return -12; // ENOMEM
    memset(*out, 0, snd_ctl_elem_id_sizeof());
    snd_ctl_elem_info_get_id(info, *out);
    return 0;
}

static int ctl_read_int(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, long *val) {
    snd_ctl_elem_value_t *v;
    snd_ctl_elem_value_alloca(&v);
    snd_ctl_elem_value_set_id(v, id);
    int err = snd_ctl_elem_read(ctl, v);
    if (err < 0) return err;
    *val = snd_ctl_elem_value_get_integer(v, 0);
    return 0;
}

static int ctl_write_int(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, long val) {
    snd_ctl_elem_value_t *v;
    snd_ctl_elem_value_alloca(&v);
    snd_ctl_elem_value_set_id(v, id);
    snd_ctl_elem_value_set_integer(v, 0, val);
    return snd_ctl_elem_write(ctl, v);
}

static int ctl_read_bool(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, int *val) {
    snd_ctl_elem_value_t *v;
    snd_ctl_elem_value_alloca(&v);
    snd_ctl_elem_value_set_id(v, id);
    int err = snd_ctl_elem_read(ctl, v);
    if (err < 0) return err;
    *val = snd_ctl_elem_value_get_boolean(v, 0);
    return 0;
}

static int ctl_write_bool(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, int val) {
    snd_ctl_elem_value_t *v;
    snd_ctl_elem_value_alloca(&v);
    snd_ctl_elem_value_set_id(v, id);
    snd_ctl_elem_value_set_boolean(v, 0, val);
    return snd_ctl_elem_write(ctl, v);
}

static int ctl_read_enum(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, unsigned int *val) {
    snd_ctl_elem_value_t *v;
    snd_ctl_elem_value_alloca(&v);
    snd_ctl_elem_value_set_id(v, id);
    int err = snd_ctl_elem_read(ctl, v);
    if (err < 0) return err;
    *val = snd_ctl_elem_value_get_enumerated(v, 0);
    return 0;
}

static int ctl_write_enum(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, unsigned int val) {
    snd_ctl_elem_value_t *v;
    snd_ctl_elem_value_alloca(&v);
    snd_ctl_elem_value_set_id(v, id);
    snd_ctl_elem_value_set_enumerated(v, 0, val);
    return snd_ctl_elem_write(ctl, v);
}

static int ctl_info(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, snd_ctl_elem_info_t *info) {
    snd_ctl_elem_info_set_id(info, id);
    return snd_ctl_elem_info(ctl, info);
}

static int ctl_lock(snd_ctl_t *ctl, snd_ctl_elem_id_t *id) {
    return snd_ctl_elem_lock(ctl, id);
}

// dB range and conversion via the element's TLV, mirroring the Rust alsa
// crate's Ctl::get_db_range / convert_to_db / convert_from_db.
static int ctl_db_range(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, long *minDB, long *maxDB) {
    unsigned int tlv[4096 / sizeof(unsigned int)];
    int err = snd_ctl_elem_tlv_read(ctl, id, tlv, sizeof(tlv));
    if (err < 0) return err;
    return snd_tlv_get_dB_range(tlv, 0, 0, minDB, maxDB);
}

static int ctl_to_db(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, long raw, long *db) {
    unsigned int tlv[4096 / sizeof(unsigned int)];
    int err = snd_ctl_elem_tlv_read(ctl, id, tlv, sizeof(tlv));
    if (err < 0) return err;
    return snd_tlv_convert_to_dB(tlv, 0, raw, db);
}

static int ctl_from_db(snd_ctl_t *ctl, snd_ctl_elem_id_t *id, long db, int roundDown, long *raw) {
    unsigned int tlv[4096 / sizeof(unsigned int)];
    int err = snd_ctl_elem_tlv_read(ctl, id, tlv, sizeof(tlv));
    if (err < 0) return err;
    return snd_tlv_convert_from_dB(tlv, 0, db, raw, roundDown ? -1 : 1);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

type alsaCard struct {
	mu     sync.Mutex
	handle *C.snd_ctl_t
	ids    map[string]*C.snd_ctl_elem_id_t
}

// OpenCard opens the named ALSA control device ("hw:MacJ493" style) and
// returns a Card that resolves elements by name on first use.
func OpenCard(name string) (Card, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var cerr C.int
	handle := C.ctl_open(cname, &cerr)
	if cerr < 0 {
		return nil, fmt.Errorf("alsactl: open control %q: %s", name, C.GoString(C.snd_strerror(cerr)))
	}
	return &alsaCard{handle: handle, ids: make(map[string]*C.snd_ctl_elem_id_t)}, nil
}

func (c *alsaCard) resolve(elem string) (*C.snd_ctl_elem_id_t, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.ids[elem]; ok {
		return id, nil
	}

	cname := C.CString(elem)
	defer C.free(unsafe.Pointer(cname))

	var id *C.snd_ctl_elem_id_t
	if err := C.ctl_find(c.handle, cname, &id); err < 0 {
		if err == -C.ENOENT {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, elem)
		}
		return nil, fmt.Errorf("alsactl: find element %q: %s", elem, C.GoString(C.snd_strerror(err)))
	}
	c.ids[elem] = id
	return id, nil
}

func (c *alsaCard) ReadInt(elem string) (int, error) {
	id, err := c.resolve(elem)
	if err != nil {
		return 0, err
	}
	var val C.long
	if rc := C.ctl_read_int(c.handle, id, &val); rc < 0 {
		return 0, fmt.Errorf("alsactl: read %q: %s", elem, C.GoString(C.snd_strerror(rc)))
	}
	return int(val), nil
}

func (c *alsaCard) WriteInt(elem string, v int) error {
	id, err := c.resolve(elem)
	if err != nil {
		return err
	}
	if rc := C.ctl_write_int(c.handle, id, C.long(v)); rc < 0 {
		return fmt.Errorf("alsactl: write %q=%d: %s", elem, v, C.GoString(C.snd_strerror(rc)))
	}
	return nil
}

func (c *alsaCard) ReadBool(elem string) (bool, error) {
	id, err := c.resolve(elem)
	if err != nil {
		return false, err
	}
	var val C.int
	if rc := C.ctl_read_bool(c.handle, id, &val); rc < 0 {
		return false, fmt.Errorf("alsactl: read %q: %s", elem, C.GoString(C.snd_strerror(rc)))
	}
	return val != 0, nil
}

func (c *alsaCard) WriteBool(elem string, v bool) error {
	id, err := c.resolve(elem)
	if err != nil {
		return err
	}
	iv := C.int(0)
	if v {
		iv = 1
	}
	if rc := C.ctl_write_bool(c.handle, id, iv); rc < 0 {
		return fmt.Errorf("alsactl: write %q=%v: %s", elem, v, C.GoString(C.snd_strerror(rc)))
	}
	return nil
}

func (c *alsaCard) ReadEnum(elem string) (int, error) {
	id, err := c.resolve(elem)
	if err != nil {
		return 0, err
	}
	var val C.uint
	if rc := C.ctl_read_enum(c.handle, id, &val); rc < 0 {
		return 0, fmt.Errorf("alsactl: read %q: %s", elem, C.GoString(C.snd_strerror(rc)))
	}
	return int(val), nil
}

func (c *alsaCard) WriteEnum(elem string, v int) error {
	id, err := c.resolve(elem)
	if err != nil {
		return err
	}
	if rc := C.ctl_write_enum(c.handle, id, C.uint(v)); rc < 0 {
		return fmt.Errorf("alsactl: write %q=%d: %s", elem, v, C.GoString(C.snd_strerror(rc)))
	}
	return nil
}

func (c *alsaCard) elemInfo(elem string) (*C.snd_ctl_elem_id_t, C.snd_ctl_elem_info_t, error) {
	var info C.snd_ctl_elem_info_t
	id, err := c.resolve(elem)
	if err != nil {
		return nil, info, err
	}
	if rc := C.ctl_info(c.handle, id, &info); rc < 0 {
		return nil, info, fmt.Errorf("alsactl: info %q: %s", elem, C.GoString(C.snd_strerror(rc)))
	}
	return id, info, nil
}

func (c *alsaCard) EnumChoices(elem string) ([]string, error) {
	_, info, err := c.elemInfo(elem)
	if err != nil {
		return nil, err
	}
	items := int(C.snd_ctl_elem_info_get_items(&info))
	choices := make([]string, 0, items)
	for i := 0; i < items; i++ {
		C.snd_ctl_elem_info_set_item(&info, C.uint(i))
		if rc := C.snd_ctl_elem_info(c.handle, &info); rc < 0 {
			return nil, fmt.Errorf("alsactl: enum item %d of %q: %s", i, elem, C.GoString(C.snd_strerror(rc)))
		}
		choices = append(choices, C.GoString(C.snd_ctl_elem_info_get_item_name(&info)))
	}
	return choices, nil
}

func (c *alsaCard) IntRange(elem string) (int, int, int, error) {
	_, info, err := c.elemInfo(elem)
	if err != nil {
		return 0, 0, 0, err
	}
	min := int(C.snd_ctl_elem_info_get_min(&info))
	max := int(C.snd_ctl_elem_info_get_max(&info))
	step := int(C.snd_ctl_elem_info_get_step(&info))
	if step == 0 {
		step = 1
	}
	return min, max, step, nil
}

func (c *alsaCard) DBRange(elem string) (float64, float64, error) {
	id, err := c.resolve(elem)
	if err != nil {
		return 0, 0, err
	}
	var minDB, maxDB C.long
	if rc := C.ctl_db_range(c.handle, id, &minDB, &maxDB); rc < 0 {
		return 0, 0, fmt.Errorf("alsactl: db range %q: %s", elem, C.GoString(C.snd_strerror(rc)))
	}
	return float64(minDB) / 100.0, float64(maxDB) / 100.0, nil
}

func (c *alsaCard) IntToDB(elem string, val int) (float64, error) {
	id, err := c.resolve(elem)
	if err != nil {
		return 0, err
	}
	var db C.long
	if rc := C.ctl_to_db(c.handle, id, C.long(val), &db); rc < 0 {
		return 0, fmt.Errorf("alsactl: to dB %q=%d: %s", elem, val, C.GoString(C.snd_strerror(rc)))
	}
	return float64(db) / 100.0, nil
}

func (c *alsaCard) DBToInt(elem string, db float64, roundDown bool) (int, error) {
	id, err := c.resolve(elem)
	if err != nil {
		return 0, err
	}
	round := C.int(0)
	if roundDown {
		round = 1
	}
	var raw C.long
	if rc := C.ctl_from_db(c.handle, id, C.long(db*100), round, &raw); rc < 0 {
		return 0, fmt.Errorf("alsactl: from dB %q=%.2f: %s", elem, db, C.GoString(C.snd_strerror(rc)))
	}
	return int(raw), nil
}

func (c *alsaCard) Lock(elem string) error {
	id, err := c.resolve(elem)
	if err != nil {
		return err
	}
	if rc := C.ctl_lock(c.handle, id); rc < 0 {
		return fmt.Errorf("alsactl: lock %q: %s", elem, C.GoString(C.snd_strerror(rc)))
	}
	return nil
}

func (c *alsaCard) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ids {
		C.free(unsafe.Pointer(id))
	}
	c.ids = nil
	if c.handle != nil {
		C.snd_ctl_close(c.handle)
		c.handle = nil
	}
	return nil
}
