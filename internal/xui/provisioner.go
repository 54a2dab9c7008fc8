package xui

import (
	"context"
	"fmt"

	"github.com/provpn/backend/internal/allocator"
	"github.com/provpn/backend/internal/models"
)

// Provisioner creates and removes panel clients on behalf of the
// allocation engine
type Provisioner struct {
	pool *ClientPool
}

// NewProvisioner creates a provisioner backed by a client pool
func NewProvisioner(pool *ClientPool) *Provisioner {
	return &Provisioner{pool: pool}
}

// CreateClient provisions one client on the panel. The inbound is
// resolved by port at call time, so inbound renumbering on the panel
// never breaks allocation.
func (p *Provisioner) CreateClient(ctx context.Context, panel *models.Panel, req allocator.ClientRequest) (allocator.ClientResult, error) {
	client, err := p.pool.Get(panel)
	if err != nil {
		return allocator.ClientResult{}, err
	}

	inbound, err := client.InboundByPort(ctx, req.Port)
	if err != nil {
		return allocator.ClientResult{}, &allocator.RemoteError{Panel: panel.Name, Op: "resolve inbound", Err: err}
	}

	if inbound.Protocol != req.Protocol {
		return allocator.ClientResult{}, &allocator.RemoteError{
			Panel: panel.Name,
			Op:    "resolve inbound",
			Err:   fmt.Errorf("inbound on port %d speaks %s, not %s", req.Port, inbound.Protocol, req.Protocol),
		}
	}

	setting, err := BuildClient(req.Protocol, req.Name, req.QuotaGB, req.ValidityDays)
	if err != nil {
		return allocator.ClientResult{}, err
	}

	if err := client.AddClient(ctx, inbound.ID, []ClientSetting{setting}); err != nil {
		return allocator.ClientResult{}, &allocator.RemoteError{Panel: panel.Name, Op: "add client", Err: err}
	}

	return allocator.ClientResult{
		ClientID: setting.Credential(),
		SubID:    setting.SubID,
	}, nil
}

// RemoveClient deletes a client from the panel. Used on revoke.
func (p *Provisioner) RemoveClient(ctx context.Context, panel *models.Panel, port int, clientID string) error {
	client, err := p.pool.Get(panel)
	if err != nil {
		return err
	}

	inbound, err := client.InboundByPort(ctx, port)
	if err != nil {
		return &allocator.RemoteError{Panel: panel.Name, Op: "resolve inbound", Err: err}
	}

	if err := client.DeleteClient(ctx, inbound.ID, clientID); err != nil {
		return &allocator.RemoteError{Panel: panel.Name, Op: "delete client", Err: err}
	}
	return nil
}
