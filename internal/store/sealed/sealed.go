// Package sealed implements domain.Store on top of a flat key-value Backend,
// running every value through the store-encryption primitive. Lookup keys are
// HMAC-hashed so a backend snapshot reveals neither identities nor room
// membership; the KDF header is the only plaintext record.
package sealed

import (
	"context"
	"encoding/json"
	"errors"

	"mantle/internal/domain"
	"mantle/internal/sealer"
)

// ErrWrongPassphrase means the derived keys do not open this store.
var ErrWrongPassphrase = errors.New("sealed: wrong passphrase")

// Backend is the persistence surface the sealed store writes through. Values
// arriving here are already encrypted and keys already hashed.
type Backend interface {
	// Header is the plaintext KDF header blob.
	Header(ctx context.Context) ([]byte, bool, error)
	PutHeader(ctx context.Context, header []byte) error

	Get(ctx context.Context, table, key string) ([]byte, bool, error)
	Put(ctx context.Context, table, key string, value []byte) error
	Delete(ctx context.Context, table, key string) error
	// List returns every value in a table, order unspecified.
	List(ctx context.Context, table string) ([][]byte, error)

	// Transaction runs fn against a view whose writes apply atomically when
	// fn returns nil.
	Transaction(ctx context.Context, fn func(tx Backend) error) error
}

// Logical table names, bound into each ciphertext as associated data.
const (
	tableMeta        = "meta"
	tableAccount     = "account"
	tableDevices     = "devices"
	tableIdentities  = "identities"
	tablePairwise    = "pairwise"
	tableGroupOut    = "group_outbound"
	tableGroupIn     = "group_inbound"
	tableKeyRequests = "key_requests"
	tableBackup      = "backup"
	tableFlows       = "flows"
	tableSeen        = "seen"
)

const canaryKey = "canary"

var canaryValue = []byte("mantle-store")

type header struct {
	Salt []byte           `json:"salt"`
	KDF  sealer.KDFParams `json:"kdf"`
}

// Store implements domain.Store over a Backend with all values sealed.
type Store struct {
	backend Backend
	keys    *sealer.Keys
}

var _ domain.Store = (*Store)(nil)

// Open derives the store keys from the passphrase and verifies them against
// the canary record. A backend without a header is initialised fresh.
func Open(ctx context.Context, backend Backend, passphrase string) (*Store, error) {
	raw, ok, err := backend.Header(ctx)
	if err != nil {
		return nil, err
	}

	var h header
	if ok {
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, err
		}
	} else {
		salt, err := sealer.NewSalt()
		if err != nil {
			return nil, err
		}
		h = header{Salt: salt, KDF: sealer.DefaultKDFParams()}
		raw, err := json.Marshal(h)
		if err != nil {
			return nil, err
		}
		if err := backend.PutHeader(ctx, raw); err != nil {
			return nil, err
		}
	}

	keys, err := sealer.DeriveKeys(passphrase, h.Salt, h.KDF)
	if err != nil {
		return nil, err
	}
	s := &Store{backend: backend, keys: keys}

	sealedCanary, ok, err := backend.Get(ctx, tableMeta, keys.HashKey(tableMeta, canaryKey))
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.put(ctx, backend, tableMeta, canaryKey, canaryValue); err != nil {
			return nil, err
		}
		return s, nil
	}
	if _, err := keys.Open(tableMeta, sealedCanary); err != nil {
		keys.Wipe()
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// Close wipes the derived keys. The store is unusable afterwards.
func (s *Store) Close() { s.keys.Wipe() }

func (s *Store) put(ctx context.Context, b Backend, table, key string, plaintext []byte) error {
	sealedValue, err := s.keys.Seal(table, plaintext)
	if err != nil {
		return err
	}
	return b.Put(ctx, table, s.keys.HashKey(table, key), sealedValue)
}

func (s *Store) putJSON(ctx context.Context, table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.put(ctx, s.backend, table, key, raw)
}

func (s *Store) getJSON(ctx context.Context, table, key string, v any) (bool, error) {
	sealedValue, ok, err := s.backend.Get(ctx, table, s.keys.HashKey(table, key))
	if err != nil || !ok {
		return false, err
	}
	raw, err := s.keys.Open(table, sealedValue)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

// listJSON decrypts and decodes every record in a table.
func listJSON[T any](ctx context.Context, s *Store, table string) ([]T, error) {
	values, err := s.backend.List(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(values))
	for _, sealedValue := range values {
		raw, err := s.keys.Open(table, sealedValue)
		if err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func deviceKey(user domain.UserID, device domain.DeviceID) string {
	return domain.DeviceKey{UserID: user, DeviceID: device}.String()
}

func sessionKey(room domain.RoomID, id domain.SessionID) string {
	return string(room) + "|" + string(id)
}

func (s *Store) Account(ctx context.Context) (domain.Account, bool, error) {
	var a domain.Account
	ok, err := s.getJSON(ctx, tableAccount, "account", &a)
	return a, ok, err
}

func (s *Store) SaveAccount(ctx context.Context, a domain.Account) error {
	return s.putJSON(ctx, tableAccount, "account", a)
}

func (s *Store) Device(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, bool, error) {
	var d domain.Device
	ok, err := s.getJSON(ctx, tableDevices, deviceKey(user, device), &d)
	return d, ok, err
}

func (s *Store) DevicesForUser(ctx context.Context, user domain.UserID) ([]domain.Device, error) {
	all, err := listJSON[domain.Device](ctx, s, tableDevices)
	if err != nil {
		return nil, err
	}
	var out []domain.Device
	for _, d := range all {
		if d.UserID == user {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) SaveDevices(ctx context.Context, devices []domain.Device) error {
	for _, d := range devices {
		if err := s.putJSON(ctx, tableDevices, d.Key().String(), d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	return s.backend.Delete(ctx, tableDevices, s.keys.HashKey(tableDevices, deviceKey(user, device)))
}

func (s *Store) UserIdentity(ctx context.Context, user domain.UserID) (domain.UserIdentity, bool, error) {
	var id domain.UserIdentity
	ok, err := s.getJSON(ctx, tableIdentities, string(user), &id)
	return id, ok, err
}

func (s *Store) SaveUserIdentity(ctx context.Context, id domain.UserIdentity) error {
	return s.putJSON(ctx, tableIdentities, string(id.UserID), id)
}

func (s *Store) PairwiseSessions(ctx context.Context, remote domain.X25519Public) ([]domain.PairwiseSession, error) {
	var bucket []domain.PairwiseSession
	if _, err := s.getJSON(ctx, tablePairwise, remote.Base64(), &bucket); err != nil {
		return nil, err
	}
	return bucket, nil
}

// SavePairwiseSession rewrites the remote device's whole session bucket; the
// handful of sessions per peer make the amplification irrelevant.
func (s *Store) SavePairwiseSession(ctx context.Context, sess domain.PairwiseSession) error {
	bucket, err := s.PairwiseSessions(ctx, sess.RemoteIdentityKey)
	if err != nil {
		return err
	}
	replaced := false
	for i := range bucket {
		if bucket[i].ID == sess.ID {
			bucket[i] = sess
			replaced = true
			break
		}
	}
	if !replaced {
		bucket = append(bucket, sess)
	}
	return s.putJSON(ctx, tablePairwise, sess.RemoteIdentityKey.Base64(), bucket)
}

func (s *Store) OutboundGroupSession(ctx context.Context, room domain.RoomID) (domain.OutboundGroupSession, bool, error) {
	var g domain.OutboundGroupSession
	ok, err := s.getJSON(ctx, tableGroupOut, string(room), &g)
	return g, ok, err
}

func (s *Store) SaveOutboundGroupSession(ctx context.Context, g domain.OutboundGroupSession) error {
	return s.putJSON(ctx, tableGroupOut, string(g.RoomID), g)
}

func (s *Store) InboundGroupSession(ctx context.Context, room domain.RoomID, id domain.SessionID) (domain.InboundGroupSession, bool, error) {
	var g domain.InboundGroupSession
	ok, err := s.getJSON(ctx, tableGroupIn, sessionKey(room, id), &g)
	return g, ok, err
}

func (s *Store) InboundGroupSessions(ctx context.Context) ([]domain.InboundGroupSession, error) {
	return listJSON[domain.InboundGroupSession](ctx, s, tableGroupIn)
}

func (s *Store) SaveInboundGroupSession(ctx context.Context, g domain.InboundGroupSession) error {
	return s.putJSON(ctx, tableGroupIn, sessionKey(g.RoomID, g.ID), g)
}

func (s *Store) KeyRequest(ctx context.Context, room domain.RoomID, session domain.SessionID) (domain.KeyRequest, bool, error) {
	var r domain.KeyRequest
	ok, err := s.getJSON(ctx, tableKeyRequests, sessionKey(room, session), &r)
	return r, ok, err
}

func (s *Store) ActiveKeyRequests(ctx context.Context) ([]domain.KeyRequest, error) {
	all, err := listJSON[domain.KeyRequest](ctx, s, tableKeyRequests)
	if err != nil {
		return nil, err
	}
	var out []domain.KeyRequest
	for _, r := range all {
		if !r.Cancelled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) SaveKeyRequest(ctx context.Context, r domain.KeyRequest) error {
	return s.putJSON(ctx, tableKeyRequests, sessionKey(r.RoomID, r.SessionID), r)
}

func (s *Store) DeleteKeyRequest(ctx context.Context, room domain.RoomID, session domain.SessionID) error {
	return s.backend.Delete(ctx, tableKeyRequests, s.keys.HashKey(tableKeyRequests, sessionKey(room, session)))
}

func (s *Store) BackupKey(ctx context.Context) (domain.BackupKey, bool, error) {
	var k domain.BackupKey
	ok, err := s.getJSON(ctx, tableBackup, "key", &k)
	return k, ok, err
}

func (s *Store) SaveBackupKey(ctx context.Context, k domain.BackupKey) error {
	return s.putJSON(ctx, tableBackup, "key", k)
}

func (s *Store) Flow(ctx context.Context, id domain.FlowID) (domain.VerificationFlow, bool, error) {
	var f domain.VerificationFlow
	ok, err := s.getJSON(ctx, tableFlows, string(id), &f)
	return f, ok, err
}

func (s *Store) Flows(ctx context.Context) ([]domain.VerificationFlow, error) {
	return listJSON[domain.VerificationFlow](ctx, s, tableFlows)
}

func (s *Store) SaveFlow(ctx context.Context, f domain.VerificationFlow) error {
	return s.putJSON(ctx, tableFlows, string(f.ID), f)
}

func (s *Store) DeleteFlow(ctx context.Context, id domain.FlowID) error {
	return s.backend.Delete(ctx, tableFlows, s.keys.HashKey(tableFlows, string(id)))
}

func seenKey(session domain.SessionID, digest []byte) string {
	return string(session) + "|" + string(digest)
}

func (s *Store) SeenCiphertext(ctx context.Context, session domain.SessionID, digest []byte) (bool, error) {
	_, ok, err := s.backend.Get(ctx, tableSeen, s.keys.HashKey(tableSeen, seenKey(session, digest)))
	return ok, err
}

func (s *Store) RememberCiphertext(ctx context.Context, session domain.SessionID, digest []byte) error {
	// Presence is the record; the value just has to authenticate.
	return s.put(ctx, s.backend, tableSeen, seenKey(session, digest), []byte{1})
}

func (s *Store) Transaction(ctx context.Context, fn func(tx domain.Store) error) error {
	return s.backend.Transaction(ctx, func(tx Backend) error {
		return fn(&Store{backend: tx, keys: s.keys})
	})
}
