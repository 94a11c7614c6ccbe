package accessory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hearthkit/hearthd/pkg/pin"
)

// PinInfo is a pin plus the identification shown in the Home app.
type PinInfo struct {
	pin.Definition

	// Model defaults to "GPIO-<Label>-v1".
	Model string

	// SerialNumber defaults to "<ID>-<room>".
	SerialNumber string
}

// BuildConfig describes the database to build.
type BuildConfig struct {
	// Name is the bridge name, e.g. "family_room Fireplace Control".
	Name             string
	Room             string
	Manufacturer     string
	FirmwareRevision string
	Pins             []PinInfo
}

// Database is immutable after Build.
type Database struct {
	accessories []*Accessory
	chars       map[CharID]*Characteristic
	byPin       map[string]CharID
	owner       map[CharID]*Accessory
}

// Build lays out the bridge and one accessory per pin, in pin order.
func Build(cfg BuildConfig) *Database {
	if cfg.Manufacturer == "" {
		cfg.Manufacturer = "Custom"
	}
	if cfg.FirmwareRevision == "" {
		cfg.FirmwareRevision = "1.0.0"
	}

	db := &Database{
		chars: make(map[CharID]*Characteristic),
		byPin: make(map[string]CharID),
		owner: make(map[CharID]*Accessory),
	}

	bridge := &Accessory{AID: BridgeAID, Name: cfg.Name, Category: CategoryBridge}
	iid := newIIDs()
	bridge.Services = []*Service{
		infoService(iid, cfg.Name, cfg.Manufacturer, "hearthd-bridge", "BR-"+cfg.Room, cfg.FirmwareRevision),
		{
			IID:  iid.next(),
			Type: TypeProtocolInformation,
			Characteristics: []*Characteristic{
				constant(iid.next(), TypeVersion, FormatString, "1.1.0"),
			},
		},
	}
	db.add(bridge)

	for i, p := range cfg.Pins {
		model := p.Model
		if model == "" {
			model = "GPIO-" + strings.ReplaceAll(p.Label, " ", "") + "-v1"
		}
		serial := p.SerialNumber
		if serial == "" {
			serial = strings.ToUpper(p.ID) + "-" + cfg.Room
		}

		iid := newIIDs()
		acc := &Accessory{
			AID:      BridgeAID + 1 + uint64(i),
			Name:     p.Label,
			Category: categoryFor(p.Kind),
			pin:      p.ID,
		}
		info := infoService(iid, p.Label, cfg.Manufacturer, model, serial, cfg.FirmwareRevision)
		main := &Service{
			IID:     iid.next(),
			Type:    serviceTypeFor(p.Kind),
			Primary: true,
		}
		main.Characteristics = []*Characteristic{
			{
				IID:    iid.next(),
				Type:   TypeOn,
				Format: FormatBool,
				Perms:  []string{PermRead, PermWrite, PermEvents},
				pin:    p.ID,
			},
			constant(iid.next(), TypeName, FormatString, p.Label),
		}
		acc.Services = []*Service{info, main}
		db.add(acc)
	}
	return db
}

func (db *Database) add(acc *Accessory) {
	db.accessories = append(db.accessories, acc)
	for _, svc := range acc.Services {
		for _, c := range svc.Characteristics {
			id := CharID{AID: acc.AID, IID: c.IID}
			db.chars[id] = c
			db.owner[id] = acc
			if c.pin != "" {
				db.byPin[c.pin] = id
			}
		}
	}
}

type iids struct{ n uint64 }

func newIIDs() *iids { return &iids{} }

func (g *iids) next() uint64 {
	g.n++
	return g.n
}

func infoService(iid *iids, name, manufacturer, model, serial, firmware string) *Service {
	return &Service{
		IID:  iid.next(),
		Type: TypeAccessoryInformation,
		Characteristics: []*Characteristic{
			{IID: iid.next(), Type: TypeIdentify, Format: FormatBool, Perms: []string{PermWrite}},
			constant(iid.next(), TypeManufacturer, FormatString, manufacturer),
			constant(iid.next(), TypeModel, FormatString, model),
			constant(iid.next(), TypeName, FormatString, name),
			constant(iid.next(), TypeSerialNumber, FormatString, serial),
			constant(iid.next(), TypeFirmwareRevision, FormatString, firmware),
		},
	}
}

func constant(iid uint64, typ, format string, v any) *Characteristic {
	return &Characteristic{IID: iid, Type: typ, Format: format, Perms: []string{PermRead}, Value: v}
}

func serviceTypeFor(k pin.Kind) string {
	switch k {
	case pin.KindFan:
		return TypeFan
	case pin.KindLightbulb:
		return TypeLightbulb
	default:
		return TypeSwitch
	}
}

func categoryFor(k pin.Kind) int {
	switch k {
	case pin.KindFan:
		return CategoryFan
	case pin.KindLightbulb:
		return CategoryLightbulb
	default:
		return CategorySwitch
	}
}

// Accessories returns the accessories in aid order.
func (db *Database) Accessories() []*Accessory { return db.accessories }

// Characteristic looks up one characteristic.
func (db *Database) Characteristic(id CharID) (*Characteristic, bool) {
	c, ok := db.chars[id]
	return c, ok
}

// Accessory returns the accessory that owns id.
func (db *Database) Accessory(id CharID) (*Accessory, bool) {
	a, ok := db.owner[id]
	return a, ok
}

// PinCharacteristic returns the On characteristic bound to pinID.
func (db *Database) PinCharacteristic(pinID string) (CharID, bool) {
	id, ok := db.byPin[pinID]
	return id, ok
}

// Hash fingerprints the layout, not the values. A change means the
// configuration number must be bumped.
func (db *Database) Hash() string {
	var b strings.Builder
	for _, acc := range db.accessories {
		fmt.Fprintf(&b, "a%d;", acc.AID)
		for _, svc := range acc.Services {
			fmt.Fprintf(&b, "s%d:%s;", svc.IID, svc.Type)
			for _, c := range svc.Characteristics {
				perms, _ := json.Marshal(c.Perms)
				fmt.Fprintf(&b, "c%d:%s:%s:%s:%v;", c.IID, c.Type, c.Format, perms, c.Value)
			}
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// IdentifyCharacteristic returns the Identify characteristic of aid.
func (db *Database) IdentifyCharacteristic(aid uint64) (CharID, bool) {
	for _, acc := range db.accessories {
		if acc.AID != aid {
			continue
		}
		for _, svc := range acc.Services {
			for _, c := range svc.Characteristics {
				if c.Type == TypeIdentify {
					return CharID{AID: aid, IID: c.IID}, true
				}
			}
		}
	}
	return CharID{}, false
}
