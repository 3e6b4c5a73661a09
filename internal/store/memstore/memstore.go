// Package memstore is an in-memory Store used by tests and as the reference
// implementation of the Store contract's semantics. Nothing is encrypted and
// nothing survives the process; production code uses the file or sqlite
// backends behind the sealed store wrapper.
package memstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"mantle/internal/domain"
)

type state struct {
	Account     *domain.Account
	Devices     map[string]domain.Device
	Identities  map[domain.UserID]domain.UserIdentity
	Pairwise    map[string][]domain.PairwiseSession
	Outbound    map[domain.RoomID]domain.OutboundGroupSession
	Inbound     map[string]domain.InboundGroupSession
	KeyRequests map[string]domain.KeyRequest
	Backup      *domain.BackupKey
	Flows       map[domain.FlowID]domain.VerificationFlow
	Seen        map[string]bool
}

func newState() *state {
	return &state{
		Devices:     make(map[string]domain.Device),
		Identities:  make(map[domain.UserID]domain.UserIdentity),
		Pairwise:    make(map[string][]domain.PairwiseSession),
		Outbound:    make(map[domain.RoomID]domain.OutboundGroupSession),
		Inbound:     make(map[string]domain.InboundGroupSession),
		KeyRequests: make(map[string]domain.KeyRequest),
		Flows:       make(map[domain.FlowID]domain.VerificationFlow),
		Seen:        make(map[string]bool),
	}
}

// Store implements domain.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state

	// inTx suppresses locking for the transaction view.
	inTx bool
}

func New() *Store { return &Store{st: newState()} }

var _ domain.Store = (*Store)(nil)

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func sessionKey(room domain.RoomID, id domain.SessionID) string {
	return string(room) + "|" + string(id)
}

func (s *Store) Account(ctx context.Context) (domain.Account, bool, error) {
	defer s.lock()()
	if s.st.Account == nil {
		return domain.Account{}, false, nil
	}
	return clone(*s.st.Account), true, nil
}

func (s *Store) SaveAccount(ctx context.Context, a domain.Account) error {
	defer s.lock()()
	c := clone(a)
	s.st.Account = &c
	return nil
}

func (s *Store) Device(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Device, bool, error) {
	defer s.lock()()
	d, ok := s.st.Devices[domain.DeviceKey{UserID: user, DeviceID: device}.String()]
	return clone(d), ok, nil
}

func (s *Store) DevicesForUser(ctx context.Context, user domain.UserID) ([]domain.Device, error) {
	defer s.lock()()
	var out []domain.Device
	for _, d := range s.st.Devices {
		if d.UserID == user {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (s *Store) SaveDevices(ctx context.Context, devices []domain.Device) error {
	defer s.lock()()
	for _, d := range devices {
		s.st.Devices[d.Key().String()] = clone(d)
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	defer s.lock()()
	delete(s.st.Devices, domain.DeviceKey{UserID: user, DeviceID: device}.String())
	return nil
}

func (s *Store) UserIdentity(ctx context.Context, user domain.UserID) (domain.UserIdentity, bool, error) {
	defer s.lock()()
	id, ok := s.st.Identities[user]
	return clone(id), ok, nil
}

func (s *Store) SaveUserIdentity(ctx context.Context, id domain.UserIdentity) error {
	defer s.lock()()
	s.st.Identities[id.UserID] = clone(id)
	return nil
}

func (s *Store) PairwiseSessions(ctx context.Context, remote domain.X25519Public) ([]domain.PairwiseSession, error) {
	defer s.lock()()
	sessions := s.st.Pairwise[remote.Base64()]
	out := make([]domain.PairwiseSession, len(sessions))
	for i := range sessions {
		out[i] = clone(sessions[i])
	}
	return out, nil
}

func (s *Store) SavePairwiseSession(ctx context.Context, sess domain.PairwiseSession) error {
	defer s.lock()()
	bucket := s.st.Pairwise[sess.RemoteIdentityKey.Base64()]
	for i := range bucket {
		if bucket[i].ID == sess.ID {
			bucket[i] = clone(sess)
			s.st.Pairwise[sess.RemoteIdentityKey.Base64()] = bucket
			return nil
		}
	}
	s.st.Pairwise[sess.RemoteIdentityKey.Base64()] = append(bucket, clone(sess))
	return nil
}

func (s *Store) OutboundGroupSession(ctx context.Context, room domain.RoomID) (domain.OutboundGroupSession, bool, error) {
	defer s.lock()()
	g, ok := s.st.Outbound[room]
	return clone(g), ok, nil
}

func (s *Store) SaveOutboundGroupSession(ctx context.Context, g domain.OutboundGroupSession) error {
	defer s.lock()()
	s.st.Outbound[g.RoomID] = clone(g)
	return nil
}

func (s *Store) InboundGroupSession(ctx context.Context, room domain.RoomID, id domain.SessionID) (domain.InboundGroupSession, bool, error) {
	defer s.lock()()
	g, ok := s.st.Inbound[sessionKey(room, id)]
	return clone(g), ok, nil
}

func (s *Store) InboundGroupSessions(ctx context.Context) ([]domain.InboundGroupSession, error) {
	defer s.lock()()
	out := make([]domain.InboundGroupSession, 0, len(s.st.Inbound))
	for _, g := range s.st.Inbound {
		out = append(out, clone(g))
	}
	return out, nil
}

func (s *Store) SaveInboundGroupSession(ctx context.Context, g domain.InboundGroupSession) error {
	defer s.lock()()
	s.st.Inbound[sessionKey(g.RoomID, g.ID)] = clone(g)
	return nil
}

func (s *Store) KeyRequest(ctx context.Context, room domain.RoomID, session domain.SessionID) (domain.KeyRequest, bool, error) {
	defer s.lock()()
	r, ok := s.st.KeyRequests[sessionKey(room, session)]
	return clone(r), ok, nil
}

func (s *Store) ActiveKeyRequests(ctx context.Context) ([]domain.KeyRequest, error) {
	defer s.lock()()
	var out []domain.KeyRequest
	for _, r := range s.st.KeyRequests {
		if !r.Cancelled {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (s *Store) SaveKeyRequest(ctx context.Context, r domain.KeyRequest) error {
	defer s.lock()()
	s.st.KeyRequests[sessionKey(r.RoomID, r.SessionID)] = clone(r)
	return nil
}

func (s *Store) DeleteKeyRequest(ctx context.Context, room domain.RoomID, session domain.SessionID) error {
	defer s.lock()()
	delete(s.st.KeyRequests, sessionKey(room, session))
	return nil
}

func (s *Store) BackupKey(ctx context.Context) (domain.BackupKey, bool, error) {
	defer s.lock()()
	if s.st.Backup == nil {
		return domain.BackupKey{}, false, nil
	}
	return clone(*s.st.Backup), true, nil
}

func (s *Store) SaveBackupKey(ctx context.Context, k domain.BackupKey) error {
	defer s.lock()()
	c := clone(k)
	s.st.Backup = &c
	return nil
}

func (s *Store) Flow(ctx context.Context, id domain.FlowID) (domain.VerificationFlow, bool, error) {
	defer s.lock()()
	f, ok := s.st.Flows[id]
	return clone(f), ok, nil
}

func (s *Store) Flows(ctx context.Context) ([]domain.VerificationFlow, error) {
	defer s.lock()()
	out := make([]domain.VerificationFlow, 0, len(s.st.Flows))
	for _, f := range s.st.Flows {
		out = append(out, clone(f))
	}
	return out, nil
}

func (s *Store) SaveFlow(ctx context.Context, f domain.VerificationFlow) error {
	defer s.lock()()
	s.st.Flows[f.ID] = clone(f)
	return nil
}

func (s *Store) DeleteFlow(ctx context.Context, id domain.FlowID) error {
	defer s.lock()()
	delete(s.st.Flows, id)
	return nil
}

func (s *Store) SeenCiphertext(ctx context.Context, session domain.SessionID, digest []byte) (bool, error) {
	defer s.lock()()
	return s.st.Seen[string(session)+"|"+hex.EncodeToString(digest)], nil
}

func (s *Store) RememberCiphertext(ctx context.Context, session domain.SessionID, digest []byte) error {
	defer s.lock()()
	s.st.Seen[string(session)+"|"+hex.EncodeToString(digest)] = true
	return nil
}

// Transaction snapshots the state, runs fn on a view over the copy, and
// swaps the copy in only when fn succeeds.
func (s *Store) Transaction(ctx context.Context, fn func(tx domain.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := cloneState(s.st)
	view := &Store{st: snap, inTx: true}
	if err := fn(view); err != nil {
		return err
	}
	s.st = snap
	return nil
}

// clone deep-copies a value through JSON; entity structs are all
// JSON-faithful by construction.
func clone[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(err)
	}
	return out
}

func cloneState(st *state) *state {
	c := clone(*st)
	if c.Devices == nil {
		c.Devices = make(map[string]domain.Device)
	}
	if c.Identities == nil {
		c.Identities = make(map[domain.UserID]domain.UserIdentity)
	}
	if c.Pairwise == nil {
		c.Pairwise = make(map[string][]domain.PairwiseSession)
	}
	if c.Outbound == nil {
		c.Outbound = make(map[domain.RoomID]domain.OutboundGroupSession)
	}
	if c.Inbound == nil {
		c.Inbound = make(map[string]domain.InboundGroupSession)
	}
	if c.KeyRequests == nil {
		c.KeyRequests = make(map[string]domain.KeyRequest)
	}
	if c.Flows == nil {
		c.Flows = make(map[domain.FlowID]domain.VerificationFlow)
	}
	if c.Seen == nil {
		c.Seen = make(map[string]bool)
	}
	return &c
}
