package trust

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mantle/internal/crypto"
	"mantle/internal/domain"
)

var (
	// ErrUnknownDevice means the device has never been ingested.
	ErrUnknownDevice = errors.New("trust: unknown device")
	// ErrUnknownIdentity means no cross-signing identity is held for the user.
	ErrUnknownIdentity = errors.New("trust: unknown identity")
)

// Service owns the device and identity tables and answers derived-trust
// queries over them.
type Service struct {
	store domain.Store
	clock clock.Clock
	log   *zap.Logger
}

func New(store domain.Store, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, clock: clk, log: log}
}

// selfSigKeyID is the key id a device signs its own keys under.
func selfSigKeyID(device domain.DeviceID) string { return "ed25519:" + string(device) }

// crossSigKeyID is the key id a self-signing key signs device keys under.
func crossSigKeyID(key domain.Ed25519Public) string { return "ed25519:" + key.Base64() }

// UpdateDevices ingests a device-query response for one user. Devices with a
// bad or missing self-signature are dropped. Known devices with identical
// keys keep their trust untouched; a device whose keys changed is treated as
// brand new (trust resets, blacklisting sticks).
func (s *Service) UpdateDevices(ctx context.Context, user domain.UserID, keys []domain.DeviceKeys) ([]domain.Device, error) {
	now := s.clock.Now()
	var accepted []domain.Device
	for _, k := range keys {
		if k.UserID != user {
			s.log.Debug("dropping device keys claiming another user",
				zap.String("claimed", string(k.UserID)), zap.String("queried", string(user)))
			continue
		}
		sig := k.Signatures[k.UserID][selfSigKeyID(k.DeviceID)]
		if !crypto.VerifyEd25519(k.SigningKey, crypto.DeviceKeysSignable(k), sig) {
			s.log.Debug("dropping device keys with bad self-signature",
				zap.String("user", string(k.UserID)), zap.String("device", string(k.DeviceID)))
			continue
		}

		d := domain.Device{
			UserID:      k.UserID,
			DeviceID:    k.DeviceID,
			IdentityKey: k.IdentityKey,
			SigningKey:  k.SigningKey,
			Signatures:  k.Signatures,
			Trust:       domain.TrustUnverified,
			FirstSeen:   now,
		}
		if prev, ok, err := s.store.Device(ctx, k.UserID, k.DeviceID); err != nil {
			return nil, err
		} else if ok {
			d.Blacklisted = prev.Blacklisted
			d.FirstSeen = prev.FirstSeen
			if prev.IdentityKey == k.IdentityKey && prev.SigningKey == k.SigningKey {
				d.Trust = prev.Trust
			} else {
				s.log.Warn("device keys changed, trust reset",
					zap.String("user", string(k.UserID)), zap.String("device", string(k.DeviceID)))
			}
		}
		accepted = append(accepted, d)
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	if err := s.store.SaveDevices(ctx, accepted); err != nil {
		return nil, err
	}
	return accepted, nil
}

// ForgetDevice removes a device that disappeared from the owner's list.
func (s *Service) ForgetDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	return s.store.DeleteDevice(ctx, user, device)
}

// UpdateIdentity ingests a user's cross-signing keys. The self-signing key
// must carry a valid master signature. A changed master key drops any prior
// verification of the identity.
func (s *Service) UpdateIdentity(ctx context.Context, id domain.UserIdentity) (domain.UserIdentity, error) {
	if !crypto.VerifyEd25519(id.MasterKey, crypto.CrossSigningKeySignable(id.UserID, id.SelfSigningKey), id.SelfSigningSig) {
		s.log.Debug("dropping identity with bad self-signing signature", zap.String("user", string(id.UserID)))
		return domain.UserIdentity{}, ErrUnknownIdentity
	}
	id.Verified = false
	id.FirstSeen = s.clock.Now()
	if prev, ok, err := s.store.UserIdentity(ctx, id.UserID); err != nil {
		return domain.UserIdentity{}, err
	} else if ok {
		id.FirstSeen = prev.FirstSeen
		if prev.MasterKey == id.MasterKey {
			id.Verified = prev.Verified
		} else {
			s.log.Warn("master key changed, identity verification reset", zap.String("user", string(id.UserID)))
		}
	}
	if err := s.store.SaveUserIdentity(ctx, id); err != nil {
		return domain.UserIdentity{}, err
	}
	return id, nil
}

// MarkDeviceVerified records a successful verification outcome. Forward-only.
func (s *Service) MarkDeviceVerified(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	d, ok, err := s.store.Device(ctx, user, device)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownDevice
	}
	if d.Trust == domain.TrustVerified {
		return nil
	}
	d.Trust = domain.TrustVerified
	return s.store.SaveDevices(ctx, []domain.Device{d})
}

// MarkIdentityVerified records that the user's master key was verified.
func (s *Service) MarkIdentityVerified(ctx context.Context, user domain.UserID) error {
	id, ok, err := s.store.UserIdentity(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownIdentity
	}
	if id.Verified {
		return nil
	}
	id.Verified = true
	return s.store.SaveUserIdentity(ctx, id)
}

// ResetTrust is the only way trust moves backward.
func (s *Service) ResetTrust(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	d, ok, err := s.store.Device(ctx, user, device)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownDevice
	}
	d.Trust = domain.TrustUnverified
	return s.store.SaveDevices(ctx, []domain.Device{d})
}

// SetBlacklisted flips the blacklist flag, independent of trust.
func (s *Service) SetBlacklisted(ctx context.Context, user domain.UserID, device domain.DeviceID, blacklisted bool) error {
	d, ok, err := s.store.Device(ctx, user, device)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownDevice
	}
	if d.Blacklisted == blacklisted {
		return nil
	}
	d.Blacklisted = blacklisted
	return s.store.SaveDevices(ctx, []domain.Device{d})
}

// IsDeviceVerified answers the derived question: directly verified, or
// cross-signed by an identity we verified. Blacklisting wins over both.
func (s *Service) IsDeviceVerified(ctx context.Context, user domain.UserID, device domain.DeviceID) (bool, error) {
	d, ok, err := s.store.Device(ctx, user, device)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrUnknownDevice
	}
	return s.deviceVerified(ctx, d)
}

func (s *Service) deviceVerified(ctx context.Context, d domain.Device) (bool, error) {
	if d.Blacklisted {
		return false, nil
	}
	if d.Trust == domain.TrustVerified {
		return true, nil
	}
	id, ok, err := s.store.UserIdentity(ctx, d.UserID)
	if err != nil || !ok || !id.Verified {
		return false, err
	}
	sig := d.Signatures[d.UserID][crossSigKeyID(id.SelfSigningKey)]
	if sig == nil {
		return false, nil
	}
	return crypto.VerifyEd25519(id.SelfSigningKey, crypto.DeviceSignable(d), sig), nil
}

// SenderTrust classifies the sender of an encrypted event. The claimed
// sender key must belong to a device we actually hold for that sender;
// otherwise the sender is Unknown regardless of any claims in the event.
func (s *Service) SenderTrust(ctx context.Context, ev domain.Event) (domain.TrustState, error) {
	d, ok, err := s.store.Device(ctx, ev.Sender, ev.SenderDevice)
	if err != nil {
		return domain.TrustUnknown, err
	}
	if !ok || d.IdentityKey != ev.SenderKey {
		return domain.TrustUnknown, nil
	}
	verified, err := s.deviceVerified(ctx, d)
	if err != nil {
		return domain.TrustUnknown, err
	}
	if verified {
		return domain.TrustVerified, nil
	}
	return domain.TrustUnverified, nil
}

// OwnVerifiedDevices lists our other devices that are currently verified.
// The set is computed per call; there is no cached fan-out list to go stale.
func (s *Service) OwnVerifiedDevices(ctx context.Context, a domain.Account) ([]domain.Device, error) {
	devices, err := s.store.DevicesForUser(ctx, a.UserID)
	if err != nil {
		return nil, err
	}
	var out []domain.Device
	for _, d := range devices {
		if d.DeviceID == a.DeviceID {
			continue
		}
		verified, err := s.deviceVerified(ctx, d)
		if err != nil {
			return nil, err
		}
		if verified {
			out = append(out, d)
		}
	}
	return out, nil
}
