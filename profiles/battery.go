package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire"
	"github.com/user/gattd/wire/gatt"
)

// Battery service and characteristic.
var (
	UUIDBatteryService = gatt.UUID16(0x180F)
	UUIDBatteryLevel   = gatt.UUID16(0x2A19)
)

// probeTimeout bounds the discovery and first read on a new connection.
const probeTimeout = 10 * time.Second

// BatteryClient watches the battery level of every connected peer that
// exposes a Battery service. Register it with Server.Observe.
type BatteryClient struct {
	log logrus.FieldLogger

	// OnLevel runs for the first read and for every notification after it.
	// It runs on the session's read loop and must not issue requests.
	OnLevel func(peer string, level uint8)

	mu     sync.Mutex
	levels map[string]uint8
	wg     sync.WaitGroup
}

// NewBatteryClient creates a battery client.
func NewBatteryClient(log logrus.FieldLogger) *BatteryClient {
	return &BatteryClient{
		log:    log.WithField("profile", "battery"),
		levels: make(map[string]uint8),
	}
}

// Level returns the last known battery level of peer.
func (b *BatteryClient) Level(peer string) (uint8, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	level, ok := b.levels[peer]
	return level, ok
}

// OnConnected starts probing the new session in the background.
func (b *BatteryClient) OnConnected(sess *wire.Session) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.probe(sess); err != nil {
			b.log.WithError(err).WithField("peer", sess.Peer()).Warn("Battery probe failed")
		}
	}()
}

// OnDisconnected forgets the peer's level.
func (b *BatteryClient) OnDisconnected(sess *wire.Session) {
	b.mu.Lock()
	delete(b.levels, sess.Peer())
	b.mu.Unlock()
}

// Wait blocks until every probe has finished.
func (b *BatteryClient) Wait() { b.wg.Wait() }

func (b *BatteryClient) record(peer string, level uint8) {
	b.mu.Lock()
	b.levels[peer] = level
	b.mu.Unlock()
	if b.OnLevel != nil {
		b.OnLevel(peer, level)
	}
}

func (b *BatteryClient) probe(sess *wire.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := b.log.WithField("peer", sess.Peer())

	services, err := sess.DiscoverPrimaryServiceByUUID(ctx, UUIDBatteryService)
	if err != nil {
		return fmt.Errorf("discover battery service: %w", err)
	}
	if len(services) == 0 {
		log.Debug("Peer has no battery service")
		return nil
	}
	svc := services[0]

	chars, err := sess.DiscoverCharacteristics(ctx, svc.StartHandle, svc.EndHandle)
	if err != nil {
		return fmt.Errorf("discover battery characteristics: %w", err)
	}
	var level *gatt.DiscoveredCharacteristic
	end := svc.EndHandle
	for i := range chars {
		if gatt.UUIDEqual(chars[i].UUID, UUIDBatteryLevel) {
			level = &chars[i]
			if i+1 < len(chars) {
				end = chars[i+1].DeclarationHandle - 1
			}
			break
		}
	}
	if level == nil {
		return fmt.Errorf("battery service at 0x%04X has no level characteristic", svc.StartHandle)
	}

	value, err := sess.ReadCharacteristic(ctx, level.ValueHandle)
	if err != nil {
		return fmt.Errorf("read battery level: %w", err)
	}
	if len(value) < 1 {
		return errors.New("empty battery level")
	}
	b.record(sess.Peer(), value[0])
	log.WithField("level", value[0]).Info("Battery level read")

	if level.Properties&gatt.PropNotify == 0 || level.ValueHandle >= end {
		return nil
	}
	descs, err := sess.FindInformation(ctx, level.ValueHandle+1, end)
	if err != nil {
		return fmt.Errorf("discover battery level descriptors: %w", err)
	}
	for _, d := range descs {
		if !gatt.UUIDEqual(d.UUID, gatt.UUIDClientCharacteristicConfig) {
			continue
		}
		peer := sess.Peer()
		sess.HandleNotifications(level.ValueHandle, func(_ uint16, v []byte, _ bool) {
			if len(v) > 0 {
				b.record(peer, v[0])
			}
		})
		if err := sess.Subscribe(ctx, d.Handle, true, false); err != nil {
			return fmt.Errorf("subscribe to battery level: %w", err)
		}
		log.Debug("Subscribed to battery level")
		return nil
	}
	return nil
}
