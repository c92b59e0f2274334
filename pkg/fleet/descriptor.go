package fleet

// Descriptor is an immutable point-in-time view of a record, recomputed on
// transitions and read lock-free by consumers (CLI, monitors, publisher).
type Descriptor struct {
	Serial  string     `json:"serial"`
	Kind    DeviceKind `json:"-"`
	Mode    Mode       `json:"-"`
	State   AllocState `json:"-"`
	Product string     `json:"product,omitempty"`
	Variant string     `json:"variant,omitempty"`
	BuildID string     `json:"build_id,omitempty"`

	// Battery is the last cached charge percentage, -1 when unread.
	Battery int `json:"battery"`

	// JSON views carry the string forms.
	KindName  string `json:"kind"`
	ModeName  string `json:"mode"`
	StateName string `json:"allocation"`
}

// Short strips the build detail, leaving identity and states.
func (d *Descriptor) Short() *Descriptor {
	return &Descriptor{
		Serial:    d.Serial,
		Kind:      d.Kind,
		Mode:      d.Mode,
		State:     d.State,
		Battery:   -1,
		KindName:  d.KindName,
		ModeName:  d.ModeName,
		StateName: d.StateName,
	}
}
