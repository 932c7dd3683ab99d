package gpu

import "encoding/json"

// Device is a discovered card as seen by the process registry.
type Device struct {
	info Info
}

// NewDevice wraps info. Two devices are the same card when their indices
// match.
func NewDevice(info Info) Device {
	return Device{info: info}
}

// Devices wraps every discovered card.
func Devices(infos []Info) []Device {
	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, NewDevice(info))
	}
	return out
}

func (d Device) Index() int     { return d.info.Index }
func (d Device) ID() string     { return d.info.ID }
func (d Device) Info() Info     { return d.info }
func (d Device) String() string { return d.info.ID }

// Name is the product name resolved at discovery, possibly empty.
func (d Device) Name() string { return d.info.Name }

func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.info)
}

// Find returns the device with the given card id.
func Find(devices []Device, id string) (Device, bool) {
	for _, dev := range devices {
		if dev.ID() == id {
			return dev, true
		}
	}
	return Device{}, false
}
