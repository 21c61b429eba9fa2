package profiles

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire"
	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/gatt"
)

// Current Time and Reference Time Update services and characteristics.
var (
	UUIDCurrentTimeService   = gatt.UUID16(0x1805)
	UUIDReferenceTimeService = gatt.UUID16(0x1806)
	UUIDLocalTimeInfo        = gatt.UUID16(0x2A0F)
	UUIDTimeUpdateControl    = gatt.UUID16(0x2A16)
	UUIDTimeUpdateState      = gatt.UUID16(0x2A17)
	UUIDCurrentTime          = gatt.UUID16(0x2A2B)
)

// Time Update Control Point commands.
const (
	GetReferenceUpdate    = 0x01
	CancelReferenceUpdate = 0x02
)

// Time Update State values.
const (
	UpdateStateIdle    = 0x00
	UpdateStatePending = 0x01

	UpdateResultSuccessful   = 0x00
	UpdateResultCanceled     = 0x01
	UpdateResultNoConnection = 0x02
	UpdateResultError        = 0x03
	UpdateResultTimeout      = 0x04
	UpdateResultNotAttempted = 0x05
)

// fetchTimeout bounds one clock lookup started by a deferred read.
const fetchTimeout = 2 * time.Second

// A Clock provides the wall-clock time served by the Current Time service.
// Now may block, for example on a round trip to a time daemon.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func(ctx context.Context) (time.Time, error)

func (f ClockFunc) Now(ctx context.Context) (time.Time, error) { return f(ctx) }

// SystemClock reads the local system clock.
var SystemClock = ClockFunc(func(context.Context) (time.Time, error) { return time.Now(), nil })

// EncodeCurrentTime encodes t as an Exact Time 256 value with adjust reason
// zero.
func EncodeCurrentTime(t time.Time) []byte {
	v := make([]byte, 10)
	binary.LittleEndian.PutUint16(v[0:], uint16(t.Year()))
	v[2] = byte(t.Month())
	v[3] = byte(t.Day())
	v[4] = byte(t.Hour())
	v[5] = byte(t.Minute())
	v[6] = byte(t.Second())
	wd := t.Weekday()
	if wd == time.Sunday {
		v[7] = 7
	} else {
		v[7] = byte(wd)
	}
	v[8] = byte(t.Nanosecond() / 3906250)
	return v
}

// EncodeLocalTimeInfo encodes the standard zone offset of t in 15 minute
// steps followed by the DST offset.
func EncodeLocalTimeInfo(t time.Time) []byte {
	_, offset := t.Zone()
	var dst byte
	if t.IsDST() {
		offset -= 3600
		dst = 4 // one hour, in 15 minute steps
	}
	return []byte{byte(int8(offset / 900)), dst}
}

// CurrentTime serves the Current Time service. Reads of Current Time are
// deferred: the clock is queried off the request path and the answer lands
// through the server.
type CurrentTime struct {
	server *wire.Server
	clock  Clock
	log    logrus.FieldLogger

	timeHandle uint16
	localInfo  uint16

	wg sync.WaitGroup
}

// RegisterCurrentTime adds the Current Time service to s.
func RegisterCurrentTime(s *wire.Server, clock Clock, log logrus.FieldLogger) (*CurrentTime, error) {
	if clock == nil {
		clock = SystemClock
	}
	c := &CurrentTime{
		server: s,
		clock:  clock,
		log:    log.WithField("profile", "current-time"),
	}

	svc, err := s.Registry().Register(gatt.ServiceDef{
		UUID:    UUIDCurrentTimeService,
		Primary: true,
		Characteristics: []gatt.CharacteristicDef{
			{
				UUID:       UUIDCurrentTime,
				Properties: gatt.PropRead | gatt.PropNotify,
				Read:       gatt.ReadHandlerFunc(c.readTime),
			},
			{
				UUID:       UUIDLocalTimeInfo,
				Properties: gatt.PropRead,
				Read:       gatt.ReadHandlerFunc(c.readLocalInfo),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	c.timeHandle = svc.Characteristics[0].ValueHandle
	c.localInfo = svc.Characteristics[1].ValueHandle
	return c, nil
}

// Handle returns the Current Time value handle.
func (c *CurrentTime) Handle() uint16 { return c.timeHandle }

func (c *CurrentTime) readTime(req gatt.Request) ([]byte, error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		value, err := c.fetch()
		if err != nil {
			c.log.WithError(err).Warn("Clock lookup failed")
			return
		}
		if err := c.server.CompleteRead(c.timeHandle, value); err != nil {
			c.log.WithError(err).Warn("Failed to store current time")
		}
	}()
	return nil, gatt.ErrDeferred
}

func (c *CurrentTime) readLocalInfo(req gatt.Request) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	now, err := c.clock.Now(ctx)
	if err != nil {
		return nil, att.Code(att.ErrIO)
	}
	return EncodeLocalTimeInfo(now), nil
}

func (c *CurrentTime) fetch() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	now, err := c.clock.Now(ctx)
	if err != nil {
		return nil, err
	}
	return EncodeCurrentTime(now), nil
}

// Updated tells subscribers the time changed, for example after the clock
// was adjusted.
func (c *CurrentTime) Updated() error {
	value, err := c.fetch()
	if err != nil {
		return err
	}
	return c.server.UpdateValue(c.timeHandle, value)
}

// Wait blocks until clock lookups started by reads have finished.
func (c *CurrentTime) Wait() { c.wg.Wait() }

// ReferenceTime serves the Reference Time Update service. It tracks the
// update state of an external time source that reports through
// SetSourceOnline.
type ReferenceTime struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	online bool
	state  uint8
	result uint8

	controlHandle uint16
	stateHandle   uint16
}

// RegisterReferenceTime adds the Reference Time Update service to s.
func RegisterReferenceTime(s *wire.Server, log logrus.FieldLogger) (*ReferenceTime, error) {
	r := &ReferenceTime{
		log:    log.WithField("profile", "reference-time"),
		state:  UpdateStateIdle,
		result: UpdateResultNotAttempted,
	}

	svc, err := s.Registry().Register(gatt.ServiceDef{
		UUID:    UUIDReferenceTimeService,
		Primary: true,
		Characteristics: []gatt.CharacteristicDef{
			{
				UUID:       UUIDTimeUpdateControl,
				Properties: gatt.PropWriteWithoutResponse,
				Write:      gatt.WriteHandlerFunc(r.control),
			},
			{
				UUID:       UUIDTimeUpdateState,
				Properties: gatt.PropRead,
				Read:       gatt.ReadHandlerFunc(r.readState),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	r.controlHandle = svc.Characteristics[0].ValueHandle
	r.stateHandle = svc.Characteristics[1].ValueHandle
	return r, nil
}

// Handles returns the Time Update Control Point and Time Update State value
// handles.
func (r *ReferenceTime) Handles() (control, state uint16) {
	return r.controlHandle, r.stateHandle
}

// Status returns the current update state and result.
func (r *ReferenceTime) Status() (state, result uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.result
}

// SetSourceOnline records a report from the time source.
func (r *ReferenceTime) SetSourceOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = online
	r.state = UpdateStateIdle
	if online {
		r.result = UpdateResultSuccessful
		r.log.Debug("Time source updated")
	} else {
		r.result = UpdateResultNoConnection
		r.log.Debug("Time source offline")
	}
}

func (r *ReferenceTime) control(req gatt.Request, value []byte) error {
	if len(value) != 1 {
		r.log.WithField("len", len(value)).Debug("Invalid time update control point value size")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch value[0] {
	case GetReferenceUpdate:
		if r.state == UpdateStatePending {
			break
		}
		r.state = UpdateStateIdle
		if r.online {
			r.result = UpdateResultSuccessful
		} else {
			r.result = UpdateResultNoConnection
		}
	case CancelReferenceUpdate:
		r.state = UpdateStateIdle
		r.result = UpdateResultCanceled
	default:
		r.log.WithField("command", value[0]).Debug("Invalid time update control point value")
	}
	return nil
}

func (r *ReferenceTime) readState(gatt.Request) ([]byte, error) {
	state, result := r.Status()
	return []byte{state, result}, nil
}
