package fleet

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetron-lab/fleetron/pkg/config"
	"github.com/fleetron-lab/fleetron/pkg/util"
)

// batteryReadWait bounds the selector's battery future read so allocation
// scans never stall on a slow device.
const batteryReadWait = 500 * time.Millisecond

// ProductFilter is one required product, optionally pinned to a variant.
type ProductFilter struct {
	Product string
	Variant string
}

func (p ProductFilter) String() string {
	if p.Variant == "" {
		return p.Product
	}
	return p.Product + ":" + p.Variant
}

// Criteria is the value type an allocation matches devices against.
// The zero value requests any physical existing device.
type Criteria struct {
	Serials        []string
	ExcludeSerials []string
	Products       []ProductFilter
	Properties     map[string]string
	Kind           RequestedKind

	MinBattery          *int
	MaxBattery          *int
	RequireBatteryCheck bool

	MaxBatteryTemperature   *int
	RequireBatteryTempCheck bool

	MinSdkLevel *int
	MaxSdkLevel *int
}

// CriteriaFromSelection converts the config-surface selection into
// criteria, parsing product:variant forms and the requested kind. When no
// serial is set, ANDROID_SERIAL supplies the default selection target.
func CriteriaFromSelection(sel *config.Selection) (Criteria, error) {
	c := Criteria{}
	if sel == nil {
		sel = &config.Selection{}
	}
	if err := sel.Validate(); err != nil {
		return c, err
	}

	c.Serials = append(c.Serials, sel.Serials...)
	if len(c.Serials) == 0 {
		if env := os.Getenv("ANDROID_SERIAL"); env != "" {
			c.Serials = []string{env}
		}
	}
	c.ExcludeSerials = append(c.ExcludeSerials, sel.ExcludeSerials...)

	for _, pt := range sel.ProductTypes {
		product, variant, _ := strings.Cut(pt, ":")
		if product == "" {
			return c, util.NewConfigError("product-type", fmt.Sprintf("empty product in %q", pt))
		}
		c.Products = append(c.Products, ProductFilter{
			Product: strings.ToLower(product),
			Variant: strings.ToLower(variant),
		})
	}

	if len(sel.Properties) > 0 {
		c.Properties = make(map[string]string, len(sel.Properties))
		for k, v := range sel.Properties {
			c.Properties[k] = v
		}
	}

	switch sel.DeviceType {
	case "", "physical", "existing":
		c.Kind = RequestedExisting
	case "emulator":
		c.Kind = RequestedEmulator
	case "null":
		c.Kind = RequestedNull
	case "gce":
		c.Kind = RequestedGCE
	case "remote":
		c.Kind = RequestedRemote
	case "local-virtual":
		c.Kind = RequestedLocalVirtual
	}

	c.MinBattery = sel.MinBattery
	c.MaxBattery = sel.MaxBattery
	c.RequireBatteryCheck = sel.RequireBatteryCheck
	c.MaxBatteryTemperature = sel.MaxBatteryTemperature
	c.RequireBatteryTempCheck = sel.RequireBatteryTempCheck
	c.MinSdkLevel = sel.MinSdkLevel
	c.MaxSdkLevel = sel.MaxSdkLevel
	return c, nil
}

// String renders the criteria for selection-failure messages.
func (c Criteria) String() string {
	var parts []string
	if len(c.Serials) > 0 {
		parts = append(parts, "serial in "+strings.Join(c.Serials, ","))
	}
	if len(c.Products) > 0 {
		strs := make([]string, len(c.Products))
		for i, p := range c.Products {
			strs[i] = p.String()
		}
		parts = append(parts, "product in "+strings.Join(strs, ","))
	}
	parts = append(parts, "kind "+c.Kind.String())
	return strings.Join(parts, ", ")
}

// Selector evaluates criteria against candidate records, accumulating
// per-device reject reasons for the eventual no-match diagnosis. Matches
// is non-blocking and side-effect-free on the record.
type Selector struct {
	criteria Criteria

	mu               sync.Mutex
	reasons          map[string]string
	anySerialMatched bool
}

// NewSelector wraps criteria for one allocation attempt.
func NewSelector(criteria Criteria) *Selector {
	return &Selector{
		criteria: criteria,
		reasons:  make(map[string]string),
	}
}

// Criteria returns the wrapped criteria.
func (s *Selector) Criteria() Criteria {
	return s.criteria
}

// reject records the reason a candidate failed and returns false.
func (s *Selector) reject(serial, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons[serial] = reason
	return false
}

// Matches reports whether the record satisfies the criteria. The checks
// short-circuit in a fixed order; the first failing check records its
// reason, except a mere serial-include mismatch, which is not diagnostic.
func (s *Selector) Matches(d *Device) bool {
	c := s.criteria
	serial := d.Serial

	if len(c.Serials) > 0 {
		found := false
		for _, want := range c.Serials {
			if serial == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
		s.mu.Lock()
		s.anySerialMatched = true
		s.mu.Unlock()
	}

	for _, excl := range c.ExcludeSerials {
		if serial == excl {
			return s.reject(serial, "serial is excluded by request")
		}
	}

	if len(c.Products) > 0 {
		product := strings.ToLower(d.Product())
		variant := d.Variant()
		matched := false
		for _, p := range c.Products {
			if product != p.Product {
				continue
			}
			if p.Variant == "" || variant == p.Variant {
				matched = true
				break
			}
		}
		if !matched {
			return s.reject(serial, s.productReason(product, variant))
		}
	}

	for key, want := range c.Properties {
		got := d.Property(key)
		if got != want {
			return s.reject(serial,
				fmt.Sprintf("property %s is %q, requested %q", key, got, want))
		}
	}

	if !s.kindMatches(d) {
		return s.reject(serial,
			fmt.Sprintf("device kind %s does not satisfy requested type %s", d.Kind, c.Kind))
	}

	if c.MinSdkLevel != nil || c.MaxSdkLevel != nil {
		raw := d.Property(sdkProp)
		sdk, err := strconv.Atoi(raw)
		if err != nil {
			return s.reject(serial, fmt.Sprintf("sdk level %q is not a number", raw))
		}
		if c.MinSdkLevel != nil && sdk < *c.MinSdkLevel {
			return s.reject(serial,
				fmt.Sprintf("sdk level %d below requested minimum %d", sdk, *c.MinSdkLevel))
		}
		if c.MaxSdkLevel != nil && sdk > *c.MaxSdkLevel {
			return s.reject(serial,
				fmt.Sprintf("sdk level %d above requested maximum %d", sdk, *c.MaxSdkLevel))
		}
	}

	if d.Kind == KindPhysical && c.RequireBatteryCheck && (c.MinBattery != nil || c.MaxBattery != nil) {
		b, ok := d.BatteryReading(batteryReadWait)
		if !ok {
			return s.reject(serial, "battery level could not be read")
		}
		level := b.Percent()
		if c.MinBattery != nil && level < *c.MinBattery {
			return s.reject(serial,
				fmt.Sprintf("battery level %d below requested minimum %d", level, *c.MinBattery))
		}
		if c.MaxBattery != nil && level > *c.MaxBattery {
			return s.reject(serial,
				fmt.Sprintf("battery level %d above requested maximum %d", level, *c.MaxBattery))
		}
	}

	if d.Kind == KindPhysical && c.RequireBatteryTempCheck && c.MaxBatteryTemperature != nil {
		b, ok := d.BatteryReading(batteryReadWait)
		if !ok {
			return s.reject(serial, "battery temperature could not be read")
		}
		if temp := b.TemperatureC(); temp > *c.MaxBatteryTemperature {
			return s.reject(serial,
				fmt.Sprintf("battery temperature %d above requested maximum %d",
					temp, *c.MaxBatteryTemperature))
		}
	}

	return true
}

// productReason renders the product/variant mismatch, naming the variant
// specifically when the product itself was acceptable.
func (s *Selector) productReason(product, variant string) string {
	requested := make([]string, len(s.criteria.Products))
	productOK := false
	for i, p := range s.criteria.Products {
		requested[i] = p.String()
		if p.Product == product {
			productOK = true
		}
	}
	if productOK {
		return fmt.Sprintf("device variant (%s) does not match requested variants(%s)",
			variant, strings.Join(requested, ","))
	}
	return fmt.Sprintf("device product (%s) does not match requested products(%s)",
		product, strings.Join(requested, ","))
}

// kindMatches checks the record's kind against the requested class.
// Physical excludes emulator and network-serial formats even when the
// record was discovered through the bridge.
func (s *Selector) kindMatches(d *Device) bool {
	switch s.criteria.Kind {
	case RequestedAny:
		return true
	case RequestedExisting:
		if d.Kind != KindPhysical {
			return false
		}
		return !EmulatorSerial(d.Serial) && !NetworkSerial(d.Serial)
	case RequestedEmulator:
		return d.Kind == KindEmulatorSlot
	case RequestedNull:
		return d.Kind == KindNull
	case RequestedLocalVirtual:
		return d.Kind == KindLocalVirtual
	case RequestedGCE:
		return d.Kind == KindRemoteGCE
	case RequestedRemote:
		return d.Kind == KindRemoteKnownIP
	default:
		return false
	}
}

// Reasons returns the per-serial reject reasons gathered so far.
func (s *Selector) Reasons() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.reasons))
	for k, v := range s.reasons {
		out[k] = v
	}
	return out
}

// NoMatchError builds the selection failure for an empty match. When a
// serial set was requested and nothing ever matched it, that is the
// headline reason.
func (s *Selector) NoMatchError() *util.SelectionError {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons := make(map[string]string, len(s.reasons))
	for k, v := range s.reasons {
		reasons[k] = v
	}
	requested := s.criteria.String()
	if len(s.criteria.Serials) > 0 && !s.anySerialMatched {
		sorted := append([]string(nil), s.criteria.Serials...)
		sort.Strings(sorted)
		requested = fmt.Sprintf("need serial (%s) but couldn't match it", strings.Join(sorted, ","))
	}
	return util.NewSelectionError(requested, reasons)
}
