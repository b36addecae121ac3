package ippsrv

import (
	"time"

	"github.com/OpenPrinting/goipp"
)

// OutputDevice is a remote print endpoint registered against an
// infrastructure printer. The printer's effective state is the maximum of
// its own state and all device states; effective reasons are the union.
type OutputDevice struct {
	uuid     string
	name     string
	state    PrinterState
	reasons  Reason
	attrs    goipp.Attributes
	lastSeen time.Time
}

// UUID returns the device UUID (without the urn:uuid: prefix).
func (d *OutputDevice) UUID() string { return d.uuid }

// registerDevice adds (or refreshes) an output device on the printer.
func (p *Printer) registerDevice(uuid string) (*OutputDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dev, ok := p.devices[uuid]; ok {
		dev.lastSeen = time.Now()
		return dev, nil
	}
	if p.maxDevices > 0 && len(p.devices) >= p.maxDevices {
		return nil, ippErrorf(goipp.StatusErrorNotPossible, "output device limit reached")
	}
	dev := &OutputDevice{
		uuid:     uuid,
		state:    PSIdle,
		lastSeen: time.Now(),
	}
	p.devices[uuid] = dev
	return dev, nil
}

// deregisterDevice removes an output device.
func (p *Printer) deregisterDevice(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.devices[uuid]; !ok {
		return false
	}
	delete(p.devices, uuid)
	return true
}

// device returns the registered device with the given UUID.
func (p *Printer) device(uuid string) (*OutputDevice, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	dev, ok := p.devices[uuid]
	return dev, ok
}

// updateDevice merges an attribute delta reported by the device and
// recomputes the device's cached state and reasons. Returns true when the
// printer's effective state or reasons changed.
func (p *Printer) updateDevice(uuid string, delta goipp.Attributes) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[uuid]
	if !ok {
		return false, errDeviceNotFound
	}
	oldState := p.effectiveStateLocked()
	oldReasons := p.reasonsWithDevices()

	for _, attr := range delta {
		switch attr.Name {
		case "printer-state", "output-device-state":
			if len(attr.Values) > 0 {
				if v, ok := attr.Values[0].V.(goipp.Integer); ok {
					dev.state = PrinterState(v)
				}
			}
		case "printer-state-reasons", "output-device-state-reasons":
			var r Reason
			for _, v := range attr.Values {
				if bit, ok := ParseReason(v.V.String()); ok {
					r |= bit
				}
			}
			dev.reasons = r
		case "printer-name", "output-device-name":
			if len(attr.Values) > 0 {
				dev.name = attr.Values[0].V.String()
			}
		default:
			replaceDeviceAttr(&dev.attrs, attr)
		}
	}
	dev.lastSeen = time.Now()

	changed := p.effectiveStateLocked() != oldState || p.reasonsWithDevices() != oldReasons
	if changed {
		p.stateTime = time.Now()
	}
	return changed, nil
}

func replaceDeviceAttr(attrs *goipp.Attributes, attr goipp.Attribute) {
	for i, a := range *attrs {
		if a.Name == attr.Name {
			(*attrs)[i] = attr
			return
		}
	}
	attrs.Add(attr)
}

// describeDevice returns the output device's uuid, name, state, reasons and
// stored attributes, the way Get-Output-Device-Attributes reports them. The
// printer's own attributes are not included.
func (p *Printer) describeDevice(dev *OutputDevice, requested map[string]bool) goipp.Attributes {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var attrs goipp.Attributes
	a := adder(&attrs)
	a("output-device-uuid", goipp.TagURI, goipp.String("urn:uuid:"+dev.uuid))
	if dev.name != "" {
		a("output-device-name", goipp.TagName, goipp.String(dev.name))
	}
	a("printer-state", goipp.TagEnum, goipp.Integer(dev.state))
	a("printer-state-reasons", goipp.TagKeyword, stringsToValues(dev.reasons.Keywords())...)
	copyAttributes(&attrs, dev.attrs, requested, nil)
	if requested == nil {
		return attrs
	}
	var out goipp.Attributes
	for _, attr := range attrs {
		if requested[attr.Name] || attr.Name == "output-device-uuid" {
			out.Add(attr)
		}
	}
	return out
}
