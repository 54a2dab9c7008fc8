package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/provpn/backend/internal/models"
)

// ClientRequest carries everything a panel needs to create one client
type ClientRequest struct {
	Port         int
	Name         string
	Protocol     string
	QuotaGB      float64
	ValidityDays int
}

// ClientResult is the identity the panel assigned to the created client
type ClientResult struct {
	ClientID string // protocol credential: uuid or generated password
	SubID    string // subscription id for config delivery
}

// Provisioner creates clients on a remote panel. Implementations must
// not retry internally; a returned error fails the unit.
type Provisioner interface {
	CreateClient(ctx context.Context, panel *models.Panel, req ClientRequest) (ClientResult, error)
}

// AllocationRequest asks for Count clients under one profile
type AllocationRequest struct {
	Profile     string
	Count       int
	RequestedBy string
}

// BatchResult reports one allocation call. Records holds committed units
// in issue order. The batch stops at the first failed unit, so
// Failed = Count - len(Records) and Err carries that first failure.
type BatchResult struct {
	Requested int
	Records   []models.Allocation
	Failed    int
	Err       error
}

// Engine runs allocation batches: port choice, naming, remote
// provisioning and the local commit, one unit at a time per profile.
// Units of the same profile are serialized through a per-profile lock;
// different profiles proceed concurrently. The remote call itself runs
// outside any global lock.
type Engine struct {
	db          *gorm.DB
	registry    *Registry
	sequencer   *Sequencer
	rotation    *Rotation
	provisioner Provisioner
	timeout     time.Duration

	mu    sync.Mutex
	locks map[uint]*sync.Mutex // profile ID -> serialization lock
}

func NewEngine(db *gorm.DB, provisioner Provisioner, timeout time.Duration) *Engine {
	return &Engine{
		db:          db,
		registry:    NewRegistry(db),
		sequencer:   NewSequencer(db),
		rotation:    NewRotation(db),
		provisioner: provisioner,
		timeout:     timeout,
		locks:       make(map[uint]*sync.Mutex),
	}
}

func (e *Engine) lockProfile(profileID uint) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[profileID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[profileID] = l
	}
	return l
}

// Allocate issues req.Count clients under the named profile.
//
// Upfront rejections (bad count, unknown or disabled profile, disabled
// panel) return a nil result and an error; no unit has run. Once units
// start, Allocate always returns a result: committed records stay
// committed and the first unit failure is reported in result.Err.
func (e *Engine) Allocate(ctx context.Context, req AllocationRequest) (*BatchResult, error) {
	if req.Count < 1 {
		return nil, fmt.Errorf("%w: count must be >= 1, got %d", ErrValidation, req.Count)
	}

	profile, err := e.registry.Get(req.Profile)
	if err != nil {
		return nil, err
	}
	if !profile.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrProfileDisabled, req.Profile)
	}

	var panel models.Panel
	if err := e.db.First(&panel, profile.PanelID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownPanel, profile.PanelID)
		}
		return nil, err
	}
	if !panel.IsActive {
		return nil, fmt.Errorf("%w: panel %q is disabled", ErrValidation, panel.Name)
	}

	lock := e.lockProfile(profile.ID)
	lock.Lock()
	defer lock.Unlock()

	result := &BatchResult{Requested: req.Count}

	for i := 0; i < req.Count; i++ {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		rec, err := e.allocateOne(ctx, profile, &panel, req.RequestedBy)
		if err != nil {
			result.Err = err
			break
		}
		result.Records = append(result.Records, *rec)
	}

	result.Failed = req.Count - len(result.Records)
	return result, nil
}

// allocateOne runs a single unit: pick port, take the next name, create
// the client on the panel, commit the record. The sequence number is
// consumed even when the unit fails.
func (e *Engine) allocateOne(ctx context.Context, profile *models.Profile, panel *models.Panel, requestedBy string) (*models.Allocation, error) {
	port, err := e.rotation.Pick(profile.ID)
	if err != nil {
		return nil, err
	}

	seq, name, err := e.sequencer.Next(profile)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	created, err := e.provisioner.CreateClient(cctx, panel, ClientRequest{
		Port:         port,
		Name:         name,
		Protocol:     profile.Protocol,
		QuotaGB:      profile.QuotaGB,
		ValidityDays: profile.ValidityDays,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var re *RemoteError
		if !errors.As(err, &re) {
			err = &RemoteError{Panel: panel.Name, Op: "create client", Err: err}
		}
		return nil, err
	}

	rec := models.Allocation{
		ProfileID:      profile.ID,
		ProfileName:    profile.Name,
		SequenceNumber: seq,
		Name:           name,
		Port:           port,
		PanelID:        panel.ID,
		ClientID:       created.ClientID,
		SubID:          created.SubID,
		RequestedBy:    requestedBy,
	}
	if err := e.db.Create(&rec).Error; err != nil {
		// The client exists on the panel but was not committed locally;
		// the usage audit surfaces remote-only clients for cleanup.
		log.Printf("Allocation commit failed after remote create (panel=%s name=%s port=%d): %v",
			panel.Name, name, port, err)
		return nil, err
	}

	return &rec, nil
}

// CapacityUsage exposes live per-port usage for a profile, in rotation order
func (e *Engine) CapacityUsage(profileName string) (*models.Profile, []PortUsage, error) {
	profile, err := e.registry.Get(profileName)
	if err != nil {
		return nil, nil, err
	}
	usage, err := e.rotation.Usage(profile.ID)
	if err != nil {
		return nil, nil, err
	}
	return profile, usage, nil
}
