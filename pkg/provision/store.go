package provision

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sigbridge-server/pkg/errors"
)

const (
	iccidPrefix = "891849"
	imsiPrefix  = "90170"
	msisdnCC    = "+1555"
)

// FileStore is a ProfileStore backed by a best-effort JSON snapshot on disk.
// Persistence is advisory only: a failed write is logged and the in-memory
// state stays authoritative.
type FileStore struct {
	logger    *logrus.Logger
	path      string
	smdpHost  string
	mu        sync.Mutex
	profiles  map[string]*Profile
	nextIMSI  int64
	nextLocal int64
}

// NewFileStore creates a store persisting to path (empty disables
// persistence). smdpHost names the download server in activation codes.
func NewFileStore(logger *logrus.Logger, path, smdpHost string) *FileStore {
	s := &FileStore{
		logger:    logger,
		path:      path,
		smdpHost:  smdpHost,
		profiles:  make(map[string]*Profile),
		nextIMSI:  1,
		nextLocal: 1000000,
	}
	s.load()
	return s
}

// Mint creates, stores, and persists a fresh profile
func (s *FileStore) Mint(ownerHint string) (*Profile, error) {
	ki, err := randomHex(16)
	if err != nil {
		return nil, errors.Wrap(errors.ErrProfileStoreFailure, "generating ki")
	}
	opc, err := randomHex(16)
	if err != nil {
		return nil, errors.Wrap(errors.ErrProfileStoreFailure, "generating opc")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	imsi := fmt.Sprintf("%s%010d", imsiPrefix, s.nextIMSI)
	s.nextIMSI++
	msisdn := fmt.Sprintf("%s%07d", msisdnCC, s.nextLocal)
	s.nextLocal++

	now := time.Now().UTC()
	p := &Profile{
		ID:             uuid.NewString(),
		ICCID:          mintICCID(),
		IMSI:           imsi,
		Ki:             ki,
		OPC:            opc,
		MSISDN:         msisdn,
		Status:         "active",
		ActivationCode: fmt.Sprintf("LPA:1$%s$%s", s.smdpHost, uuid.NewString()),
		OwnerHint:      ownerHint,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.profiles[p.ID] = p
	s.persistLocked()

	s.logger.WithFields(logrus.Fields{
		"profile_id": p.ID,
		"msisdn":     p.MSISDN,
	}).Info("Minted subscriber profile")

	return p, nil
}

// Get returns a stored profile by id
func (s *FileStore) Get(id string) (*Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok
}

// Count returns the number of stored profiles
func (s *FileStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

type snapshot struct {
	Profiles  []*Profile `json:"profiles"`
	NextIMSI  int64      `json:"next_imsi"`
	NextLocal int64      `json:"next_local"`
}

func (s *FileStore) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("Could not read profile snapshot")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.logger.WithError(err).Warn("Could not decode profile snapshot")
		return
	}
	for _, p := range snap.Profiles {
		s.profiles[p.ID] = p
	}
	if snap.NextIMSI > s.nextIMSI {
		s.nextIMSI = snap.NextIMSI
	}
	if snap.NextLocal > s.nextLocal {
		s.nextLocal = snap.NextLocal
	}
	s.logger.WithField("count", len(s.profiles)).Info("Loaded profile snapshot")
}

func (s *FileStore) persistLocked() {
	if s.path == "" {
		return
	}
	snap := snapshot{
		NextIMSI:  s.nextIMSI,
		NextLocal: s.nextLocal,
	}
	for _, p := range s.profiles {
		snap.Profiles = append(snap.Profiles, p)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.WithError(err).Warn("Could not encode profile snapshot")
		return
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err == nil {
		if err := os.WriteFile(tmp, data, 0o600); err == nil {
			err = os.Rename(tmp, s.path)
		}
		if err != nil {
			s.logger.WithError(err).Warn("Could not write profile snapshot")
		}
	}
}

// mintICCID builds a 20-digit ICCID: issuer prefix, random account digits,
// Luhn check digit.
func mintICCID() string {
	digits := iccidPrefix
	for len(digits) < 19 {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			// fall back to a fixed digit; uniqueness comes from the
			// remaining random positions
			digits += "0"
			continue
		}
		digits += n.String()
	}
	return digits + luhnCheckDigit(digits)
}

func luhnCheckDigit(digits string) string {
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return fmt.Sprintf("%d", (10-sum%10)%10)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
