package allocator

import (
	"strconv"
	"sync"

	"gorm.io/gorm"

	"github.com/provpn/backend/internal/models"
)

// Sequencer hands out strictly increasing sequence numbers per profile.
// A number is consumed the moment it is handed out: failed provisioning
// burns it and the next unit gets a fresh one, so names never repeat
// within a process lifetime. State is seeded lazily from the highest
// committed allocation, which also covers process restarts.
type Sequencer struct {
	db   *gorm.DB
	mu   sync.Mutex
	next map[uint]int64 // profile ID -> next number to hand out
}

func NewSequencer(db *gorm.DB) *Sequencer {
	return &Sequencer{
		db:   db,
		next: make(map[uint]int64),
	}
}

// Next returns the next sequence number and the rendered display name
// for the profile.
func (s *Sequencer) Next(profile *models.Profile) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.next[profile.ID]
	if !ok {
		seeded, err := s.seed(profile)
		if err != nil {
			return 0, "", err
		}
		n = seeded
	}
	s.next[profile.ID] = n + 1

	return n, FormatName(profile.Prefix, profile.Suffix, n), nil
}

// seed computes the first number to hand out: one past the highest
// committed sequence number, floored at the profile's start sequence.
func (s *Sequencer) seed(profile *models.Profile) (int64, error) {
	var maxSeq int64
	row := s.db.Model(&models.Allocation{}).
		Where("profile_id = ?", profile.ID).
		Select("COALESCE(MAX(sequence_number), 0)").Row()
	if err := row.Scan(&maxSeq); err != nil {
		return 0, err
	}

	floor := profile.StartSequence - 1
	if maxSeq < floor {
		maxSeq = floor
	}
	return maxSeq + 1, nil
}

// FormatName renders a display name: prefix, then suffix, then the plain
// decimal sequence number without padding.
func FormatName(prefix, suffix string, seq int64) string {
	return prefix + suffix + strconv.FormatInt(seq, 10)
}
