package wire

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/user/gattd/wire/att"
	"github.com/user/gattd/wire/gatt"
)

// discoveryRequest issues one step of a discovery procedure. done reports
// that the server signalled the end of results with Attribute Not Found.
func (s *Session) discoveryRequest(ctx context.Context, pkt interface{}) (resp interface{}, done bool, err error) {
	resp, err = s.Request(ctx, pkt)
	if att.IsATTError(err, att.ErrAttributeNotFound) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// next returns the cursor following last, and false when last already
// reached end.
func next(last, end uint16) (uint16, bool) {
	if last >= end || last == 0xFFFF {
		return 0, false
	}
	return last + 1, true
}

// DiscoverPrimaryServices lists every primary service of the peer in handle
// order.
func (s *Session) DiscoverPrimaryServices(ctx context.Context) ([]gatt.DiscoveredService, error) {
	var services []gatt.DiscoveredService
	cursor, end := uint16(0x0001), uint16(0xFFFF)
	for {
		resp, done, err := s.discoveryRequest(ctx, &att.ReadByGroupTypeRequest{
			StartHandle: cursor,
			EndHandle:   end,
			Type:        gatt.UUIDPrimaryService,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: discover primary services: %w", err)
		}
		if done {
			break
		}
		r := resp.(*att.ReadByGroupTypeResponse)
		services = append(services, gatt.ServicesFromResponse(r)...)

		last := r.Entries[len(r.Entries)-1]
		stride := 4 + len(last.Value)
		if len(r.Entries) < att.RecordCapacity(att.OpReadByGroupTypeResponse, s.MTU(), stride) {
			break
		}
		var more bool
		if cursor, more = next(last.EndGroupHandle, end); !more {
			break
		}
	}

	s.log.WithField("services", len(services)).Debug("Primary services discovered")
	return services, nil
}

// DiscoverPrimaryServiceByUUID lists the primary services of the given
// type. Only 16-bit UUIDs can be matched on the wire.
func (s *Session) DiscoverPrimaryServiceByUUID(ctx context.Context, uuid []byte) ([]gatt.DiscoveredService, error) {
	short, ok := gatt.ShortUUID(uuid)
	if !ok {
		return nil, fmt.Errorf("wire: service %s has no 16-bit form", gatt.UUIDString(uuid))
	}
	value := gatt.UUID16(short)

	var services []gatt.DiscoveredService
	cursor, end := uint16(0x0001), uint16(0xFFFF)
	for {
		resp, done, err := s.discoveryRequest(ctx, &att.FindByTypeValueRequest{
			StartHandle: cursor,
			EndHandle:   end,
			Type:        gatt.UUIDPrimaryService,
			Value:       value,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: discover service %s: %w", gatt.UUIDString(uuid), err)
		}
		if done {
			break
		}
		r := resp.(*att.FindByTypeValueResponse)
		for _, h := range r.Handles {
			services = append(services, gatt.DiscoveredService{
				UUID:        append([]byte{}, value...),
				StartHandle: h.FoundHandle,
				EndHandle:   h.GroupEndHandle,
			})
		}

		if len(r.Handles) < att.RecordCapacity(att.OpFindByTypeValueResponse, s.MTU(), 4) {
			break
		}
		var more bool
		if cursor, more = next(r.Handles[len(r.Handles)-1].GroupEndHandle, end); !more {
			break
		}
	}
	return services, nil
}

// DiscoverCharacteristics lists the characteristic declarations in
// [start, end].
func (s *Session) DiscoverCharacteristics(ctx context.Context, start, end uint16) ([]gatt.DiscoveredCharacteristic, error) {
	if start == 0 || start > end {
		return nil, fmt.Errorf("wire: invalid range 0x%04X-0x%04X", start, end)
	}

	var chars []gatt.DiscoveredCharacteristic
	cursor := start
	requests := 0
	for {
		requests++
		resp, done, err := s.discoveryRequest(ctx, &att.ReadByTypeRequest{
			StartHandle: cursor,
			EndHandle:   end,
			Type:        gatt.UUIDCharacteristic,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: discover characteristics: %w", err)
		}
		if done {
			break
		}
		r := resp.(*att.ReadByTypeResponse)
		found, err := gatt.CharacteristicsFromResponse(r)
		if err != nil {
			return nil, err
		}
		chars = append(chars, found...)

		last := r.Entries[len(r.Entries)-1]
		if len(r.Entries) < att.RecordCapacity(att.OpReadByTypeResponse, s.MTU(), 2+len(last.Value)) {
			break
		}
		var more bool
		// The value handle follows its declaration, so a last value handle
		// at end means the range is exhausted.
		if cursor, more = next(max(last.Handle, found[len(found)-1].ValueHandle), end); !more {
			break
		}
	}

	s.log.WithFields(logrus.Fields{
		"start":           start,
		"end":             end,
		"characteristics": len(chars),
		"requests":        requests,
	}).Debug("Characteristics discovered")
	return chars, nil
}

// FindInformation lists the handle and type of every attribute in
// [start, end]. Used for descriptor discovery.
func (s *Session) FindInformation(ctx context.Context, start, end uint16) ([]gatt.DiscoveredDescriptor, error) {
	if start == 0 || start > end {
		return nil, fmt.Errorf("wire: invalid range 0x%04X-0x%04X", start, end)
	}

	var descs []gatt.DiscoveredDescriptor
	cursor := start
	for {
		resp, done, err := s.discoveryRequest(ctx, &att.FindInformationRequest{
			StartHandle: cursor,
			EndHandle:   end,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: find information: %w", err)
		}
		if done {
			break
		}
		r := resp.(*att.FindInformationResponse)
		descs = append(descs, gatt.DescriptorsFromResponse(r)...)

		last := r.Entries[len(r.Entries)-1]
		if len(r.Entries) < att.RecordCapacity(att.OpFindInformationResponse, s.MTU(), 2+len(last.UUID)) {
			break
		}
		var more bool
		if cursor, more = next(last.Handle, end); !more {
			break
		}
	}
	return descs, nil
}

// DiscoverAll walks the peer's whole attribute table: services, their
// characteristics and each characteristic's descriptors.
func (s *Session) DiscoverAll(ctx context.Context) (*gatt.DiscoveryCache, error) {
	cache := gatt.NewDiscoveryCache()

	services, err := s.DiscoverPrimaryServices(ctx)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		cache.AddService(svc)

		chars, err := s.DiscoverCharacteristics(ctx, svc.StartHandle, svc.EndHandle)
		if err != nil {
			return nil, err
		}
		for i, c := range chars {
			cache.AddCharacteristic(svc.StartHandle, c)

			// Descriptors sit between the value and the next declaration.
			end := svc.EndHandle
			if i+1 < len(chars) {
				end = chars[i+1].DeclarationHandle - 1
			}
			if c.ValueHandle >= end {
				continue
			}
			descs, err := s.FindInformation(ctx, c.ValueHandle+1, end)
			if err != nil {
				return nil, err
			}
			for _, d := range descs {
				cache.AddDescriptor(c.ValueHandle, d)
			}
		}
	}
	return cache, nil
}
