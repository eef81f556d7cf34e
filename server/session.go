package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/HenokTZA/evcsms/internal/config"
	"github.com/HenokTZA/evcsms/models"
	"github.com/HenokTZA/evcsms/ocpp/core"
	"github.com/HenokTZA/evcsms/types"
)

// Session is the per-connection state of one charge point. Identity fields
// are fixed at admission time; the configuration map, profile table and local
// list version are shared between the reader and the command poller and are
// guarded by the mutex. Nothing outside the owning connection touches a
// session.
type Session struct {
	chargePointId string
	tenant        *models.Tenant
	connectedAt   time.Time
	done          chan struct{}
	closeOnce     sync.Once

	mux              sync.Mutex
	configuration    map[string]string
	chargingProfiles map[int]*types.ChargingProfile
	localListVersion int
}

func NewSession(chargePointId string, tenant *models.Tenant, conf *config.Config) *Session {
	return &Session{
		chargePointId: chargePointId,
		tenant:        tenant,
		connectedAt:   time.Now(),
		done:          make(chan struct{}),
		configuration: map[string]string{
			"HeartbeatInterval": strconv.Itoa(conf.Ocpp.HeartbeatInterval),
			"ConnectionTimeOut": strconv.Itoa(conf.Ocpp.ConnectionTimeOut),
		},
		chargingProfiles: make(map[int]*types.ChargingProfile),
		localListVersion: 1,
	}
}

func (s *Session) ChargePointId() string {
	return s.chargePointId
}

func (s *Session) Tenant() *models.Tenant {
	return s.tenant
}

// Done is closed when the connection ends; the command poller exits on it.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Configuration returns entries for the requested keys, or all entries when
// no keys are given, plus the subset of requested keys that are unknown.
func (s *Session) Configuration(keys []string) ([]core.ConfigurationKey, []string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var known []core.ConfigurationKey
	var unknown []string
	if len(keys) == 0 {
		for key, value := range s.configuration {
			v := value
			known = append(known, core.ConfigurationKey{Key: key, Value: &v})
		}
		return known, nil
	}
	for _, key := range keys {
		if value, ok := s.configuration[key]; ok {
			v := value
			known = append(known, core.ConfigurationKey{Key: key, Value: &v})
		} else {
			unknown = append(unknown, key)
		}
	}
	return known, unknown
}

// SetConfiguration updates an existing key; unknown keys are rejected so a
// device cannot grow the map with arbitrary entries.
func (s *Session) SetConfiguration(key, value string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.configuration[key]; !ok {
		return false
	}
	s.configuration[key] = value
	return true
}

func (s *Session) LocalListVersion() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.localListVersion
}

func (s *Session) SetLocalListVersion(version int) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.localListVersion = version
}

func (s *Session) PutChargingProfile(profile *types.ChargingProfile) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.chargingProfiles[profile.ChargingProfileId] = profile
}

// ClearChargingProfiles removes one profile when an id is given, or all of
// them otherwise. Reports whether anything was removed.
func (s *Session) ClearChargingProfiles(id *int) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if id != nil {
		if _, ok := s.chargingProfiles[*id]; !ok {
			return false
		}
		delete(s.chargingProfiles, *id)
		return true
	}
	cleared := len(s.chargingProfiles) > 0
	s.chargingProfiles = make(map[int]*types.ChargingProfile)
	return cleared
}

func (s *Session) HasChargingProfiles() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.chargingProfiles) > 0
}
