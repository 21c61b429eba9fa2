package profiles

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire"
	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/gatt"
)

// Phone Alert Status service and characteristics.
var (
	UUIDPhoneAlertService = gatt.UUID16(0x180E)
	UUIDAlertStatus       = gatt.UUID16(0x2A3F)
	UUIDRingerControl     = gatt.UUID16(0x2A40)
	UUIDRingerSetting     = gatt.UUID16(0x2A41)
)

// Alert Status bits.
const (
	AlertRingerActive  = 0x01
	AlertVibrateActive = 0x02
	AlertDisplayActive = 0x04
)

// Ringer Setting values.
const (
	RingerSilent = 0x00
	RingerNormal = 0x01
)

// Ringer Control Point commands.
const (
	RingerCmdSilentMode   = 0x01
	RingerCmdMuteOnce     = 0x02
	RingerCmdCancelSilent = 0x03
)

// PhoneAlert serves the Phone Alert Status service. Ringer and alert
// changes are pushed to subscribers through the server.
type PhoneAlert struct {
	server *wire.Server
	log    logrus.FieldLogger

	mu     sync.Mutex
	status uint8
	ringer uint8

	// OnMuteOnce runs when a client asks to mute the current alert.
	OnMuteOnce func(peer string)

	statusHandle  uint16
	ringerHandle  uint16
	controlHandle uint16
}

// RegisterPhoneAlert adds the Phone Alert Status service to s with the
// ringer in normal mode and no alerts active.
func RegisterPhoneAlert(s *wire.Server, log logrus.FieldLogger) (*PhoneAlert, error) {
	p := &PhoneAlert{
		server: s,
		log:    log.WithField("profile", "phone-alert"),
		ringer: RingerNormal,
	}

	svc, err := s.Registry().Register(gatt.ServiceDef{
		UUID:    UUIDPhoneAlertService,
		Primary: true,
		Characteristics: []gatt.CharacteristicDef{
			{
				UUID:       UUIDAlertStatus,
				Properties: gatt.PropRead | gatt.PropNotify,
				Value:      []byte{0x00},
			},
			{
				UUID:       UUIDRingerSetting,
				Properties: gatt.PropRead | gatt.PropNotify,
				Value:      []byte{RingerNormal},
			},
			{
				UUID:       UUIDRingerControl,
				Properties: gatt.PropWrite | gatt.PropWriteWithoutResponse,
				Write:      gatt.WriteHandlerFunc(p.control),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	p.statusHandle = svc.Characteristics[0].ValueHandle
	p.ringerHandle = svc.Characteristics[1].ValueHandle
	p.controlHandle = svc.Characteristics[2].ValueHandle
	return p, nil
}

// Handles returns the value handles of Alert Status, Ringer Setting and
// Ringer Control Point.
func (p *PhoneAlert) Handles() (status, ringer, control uint16) {
	return p.statusHandle, p.ringerHandle, p.controlHandle
}

// Ringer returns the current ringer setting.
func (p *PhoneAlert) Ringer() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ringer
}

// SetAlertStatus publishes a new Alert Status bitmap.
func (p *PhoneAlert) SetAlertStatus(status uint8) error {
	p.mu.Lock()
	changed := p.status != status
	p.status = status
	p.mu.Unlock()

	if !changed {
		return nil
	}
	return p.server.UpdateValue(p.statusHandle, []byte{status})
}

// SetRinger publishes a new ringer setting.
func (p *PhoneAlert) SetRinger(setting uint8) error {
	if setting != RingerSilent && setting != RingerNormal {
		return att.Code(att.ErrOutOfRange)
	}

	p.mu.Lock()
	changed := p.ringer != setting
	p.ringer = setting
	p.mu.Unlock()

	if !changed {
		return nil
	}
	p.log.WithField("ringer", setting).Debug("Ringer setting changed")
	return p.server.UpdateValue(p.ringerHandle, []byte{setting})
}

// control handles writes to the Ringer Control Point. Unknown commands are
// ignored.
func (p *PhoneAlert) control(req gatt.Request, value []byte) error {
	if len(value) != 1 {
		p.log.WithField("len", len(value)).Debug("Invalid ringer control point value size")
		return nil
	}

	log := p.log.WithFields(logrus.Fields{"peer": req.Peer, "command": value[0]})
	switch value[0] {
	case RingerCmdSilentMode:
		log.Info("Ringer silenced")
		return p.SetRinger(RingerSilent)
	case RingerCmdCancelSilent:
		log.Info("Ringer silent mode cancelled")
		return p.SetRinger(RingerNormal)
	case RingerCmdMuteOnce:
		log.Info("Ringer muted once")
		if p.OnMuteOnce != nil {
			p.OnMuteOnce(req.Peer)
		}
	default:
		log.Debug("Unknown ringer control command")
	}
	return nil
}
