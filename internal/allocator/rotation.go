package allocator

import (
	"fmt"

	"gorm.io/gorm"
)

// PortUsage is the live fill state of one candidate port
type PortUsage struct {
	Port     int
	Capacity int
	Used     int
}

// Free reports remaining slots; never negative, so a port whose capacity
// was lowered under its usage simply stops accepting new allocations.
func (u PortUsage) Free() int {
	free := u.Capacity - u.Used
	if free < 0 {
		return 0
	}
	return free
}

// Rotation picks the port for each new allocation. Selection is
// fill-first: candidate ports are scanned in registration order and the
// first one with a free slot wins, so earlier ports fill completely
// before later ones are touched. Usage is always counted from committed
// allocation rows, never tracked separately.
type Rotation struct {
	db *gorm.DB
}

func NewRotation(db *gorm.DB) *Rotation {
	return &Rotation{db: db}
}

// Usage returns the profile's ports in rotation order with live counts
func (r *Rotation) Usage(profileID uint) ([]PortUsage, error) {
	var usage []PortUsage
	err := r.db.Table("profile_ports").
		Select("profile_ports.port AS port, profile_ports.capacity AS capacity, COUNT(allocations.id) AS used").
		Joins("LEFT JOIN allocations ON allocations.profile_id = profile_ports.profile_id AND allocations.port = profile_ports.port").
		Where("profile_ports.profile_id = ?", profileID).
		Group("profile_ports.id, profile_ports.port, profile_ports.capacity, profile_ports.sort_order").
		Order("profile_ports.sort_order, profile_ports.id").
		Scan(&usage).Error
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// Pick returns the port for the next allocation, or ErrCapacityExhausted
// when every candidate port is at or over capacity.
func (r *Rotation) Pick(profileID uint) (int, error) {
	usage, err := r.Usage(profileID)
	if err != nil {
		return 0, err
	}
	port, ok := pickFirstFree(usage)
	if !ok {
		return 0, fmt.Errorf("%w: all ports full", ErrCapacityExhausted)
	}
	return port, nil
}

func pickFirstFree(usage []PortUsage) (int, bool) {
	for _, u := range usage {
		if u.Free() > 0 {
			return u.Port, true
		}
	}
	return 0, false
}
