package engine

import (
	"context"
	"fmt"
	"time"

	"presenceguard/internal/beacon"
	"presenceguard/internal/config"
	"presenceguard/internal/fusion"
	"presenceguard/internal/model"
	"presenceguard/internal/normalize"
)

// Catalog is the configured classroom reference data, with BSSIDs
// normalized once at build time.
type Catalog struct {
	refs    map[uint32]model.Reference
	secrets map[uint32][]byte
	secret  []byte
}

func buildCatalog(cfg *config.Config) *Catalog {
	c := &Catalog{
		refs:    make(map[uint32]model.Reference, len(cfg.Classrooms)),
		secrets: make(map[uint32][]byte),
		secret:  []byte(cfg.Beacon.Secret),
	}
	for _, room := range cfg.Classrooms {
		ref := model.Reference{
			ClassID: room.ClassID,
			Geofence: &model.Geofence{
				Latitude:     room.Latitude,
				Longitude:    room.Longitude,
				RadiusMeters: room.RadiusMeters,
			},
			Networks: buildNetworks(room.Networks),
		}
		c.refs[room.ClassID] = ref
		if room.BeaconSecret != "" {
			c.secrets[room.ClassID] = []byte(room.BeaconSecret)
		}
	}
	return c
}

func buildNetworks(values []config.NetworkConfig) []model.CampusNetwork {
	if len(values) == 0 {
		return nil
	}
	out := make([]model.CampusNetwork, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v.SSID == "" {
			continue
		}
		n := model.CampusNetwork{SSID: v.SSID, BSSID: normalize.BSSID(v.BSSID)}
		key := n.SSID + "|" + n.BSSID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

func (c *Catalog) Reference(classID uint32) (model.Reference, bool) {
	if c == nil {
		return model.Reference{}, false
	}
	ref, ok := c.refs[classID]
	return ref, ok
}

func (c *Catalog) Keyring() beacon.StaticKeyring {
	if c == nil {
		return beacon.StaticKeyring{}
	}
	return beacon.StaticKeyring{Default: c.secret, PerClass: c.secrets}
}

func (e *Engine) catalog() *Catalog {
	if v := e.refs.Load(); v != nil {
		if c, ok := v.(*Catalog); ok {
			return c
		}
	}
	return nil
}

// Reference resolves classroom data from storage first, then the configured
// catalog. There is no fallback geofence.
func (e *Engine) Reference(ctx context.Context, classID uint32) (model.Reference, error) {
	if e.store != nil {
		ref, ok, err := e.store.LoadReference(ctx, classID)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("reference lookup failed", "class_id", classID, "err", err)
			}
		} else if ok {
			return ref, nil
		}
	}
	if ref, ok := e.catalog().Reference(classID); ok {
		return ref, nil
	}
	return model.Reference{}, fmt.Errorf("%w: class %d", fusion.ErrReferenceUnavailable, classID)
}

// rotation is the token window for beacons of the configured classes.
func (e *Engine) rotation(cfg *config.Config) beacon.Rotation {
	return beacon.Rotation{
		Keys:     e.catalog().Keyring(),
		Interval: cfg.Beacon.RotationInterval,
		Skew:     cfg.Beacon.SkewSlots,
	}
}

func (e *Engine) codec(cfg *config.Config) *beacon.Codec {
	rot := e.rotation(cfg)
	return beacon.NewCodec(rot.Keys, rot).WithClock(e.now)
}

// sessionTokens returns the tokens a verification accepts: the explicit
// request token, else the current rotation window for the class.
func (e *Engine) sessionTokens(cfg *config.Config, classID uint32, explicit *uint32, now time.Time) []uint32 {
	if explicit != nil {
		return []uint32{*explicit}
	}
	return e.rotation(cfg).Window(classID, now)
}
