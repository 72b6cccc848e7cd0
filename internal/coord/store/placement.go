package store

import (
	"fmt"
	"sort"
)

// HealthView reports probe-derived node availability. The cluster
// health monitor satisfies it.
type HealthView interface {
	Online(id string) bool
	Snapshot() map[string]bool
}

// Placement names the two distinct nodes holding copies of one block.
type Placement struct {
	Primary string
	Replica string
}

// Planner chooses primary and replica nodes for blocks. Eligible
// nodes are online and can fit the block on top of their committed
// and reserved load; the primary is the least-loaded eligible node,
// the replica the least-loaded remaining one, ties broken by node ID.
// Every successful plan holds reservations in the ledger for both
// roles, so racing uploads cannot place into the same free space.
type Planner struct {
	ledger *Ledger
	health HealthView
	nodes  []string
}

// NewPlanner creates a planner over the given node set.
func NewPlanner(ledger *Ledger, health HealthView, nodes []NodeInfo) *Planner {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return &Planner{ledger: ledger, health: health, nodes: ids}
}

// PlanBlock reserves a primary/replica pair for one block of the
// given size. Nodes in exclude are skipped, which lets the upload
// pipeline re-plan a block away from a node that just failed a write.
// Fewer than two placeable nodes fails with ErrInsufficientReplicas;
// replication is a hard guarantee, never degraded to a single copy.
func (p *Planner) PlanBlock(size int64, exclude map[string]bool) (Placement, error) {
	type candidate struct {
		id   string
		load int64
	}

	var online []candidate
	for _, id := range p.nodes {
		if exclude[id] || !p.health.Online(id) {
			continue
		}
		u, ok := p.ledger.Usage(id)
		if !ok {
			continue
		}
		online = append(online, candidate{id: id, load: u.Used + u.Reserved})
	}

	if len(online) < 2 {
		return Placement{}, fmt.Errorf("%w: %d nodes online", ErrInsufficientReplicas, len(online))
	}

	sort.Slice(online, func(i, j int) bool {
		if online[i].load != online[j].load {
			return online[i].load < online[j].load
		}
		return online[i].id < online[j].id
	})

	for _, primary := range online {
		if !p.ledger.TryReserve(primary.id, size) {
			continue
		}
		for _, replica := range online {
			if replica.id == primary.id {
				continue
			}
			if p.ledger.TryReserve(replica.id, size) {
				return Placement{Primary: primary.id, Replica: replica.id}, nil
			}
		}
		p.ledger.Release(primary.id, size)
	}

	return Placement{}, fmt.Errorf("%w: no two online nodes can fit %d bytes", ErrInsufficientReplicas, size)
}

// PlanBlocks reserves placements for every block of a file. On any
// failure all reservations made for earlier blocks are released, so
// a failed plan leaves the ledger untouched.
func (p *Planner) PlanBlocks(blocks []Block) ([]Placement, error) {
	placements := make([]Placement, 0, len(blocks))
	for i, b := range blocks {
		pl, err := p.PlanBlock(int64(len(b.Data)), nil)
		if err != nil {
			for j := range placements {
				p.ReleasePlacement(placements[j], int64(len(blocks[j].Data)))
			}
			return nil, fmt.Errorf("plan block %d of %d: %w", i, len(blocks), err)
		}
		placements = append(placements, pl)
	}
	return placements, nil
}

// ReleasePlacement drops the reservations of one planned block.
func (p *Planner) ReleasePlacement(pl Placement, size int64) {
	p.ledger.Release(pl.Primary, size)
	p.ledger.Release(pl.Replica, size)
}

// CommitPlacement converts one planned block's reservations to usage.
func (p *Planner) CommitPlacement(pl Placement, size int64) {
	p.ledger.Commit(pl.Primary, size)
	p.ledger.Commit(pl.Replica, size)
}
