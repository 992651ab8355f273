package tier

import (
	"context"
	"errors"

	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/partition"
	"github.com/dd0wney/cluso-bigraph/pkg/snapshot"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// startCloud loads the master graph, seeding it from a file or the
// latest snapshot when none is stored, and pushes every region
func (a *Agent) startCloud(ctx context.Context) {
	g, err := a.store.Load()
	switch {
	case err == nil:
	case errors.Is(err, ErrNoGraph):
		var ok bool
		if g, ok = a.seedMaster(ctx); !ok {
			a.logger.Info("no master graph; waiting for a child escalation")
			a.transition(StateAwaitingGraph)
			return
		}
		if err := a.store.Save(g); err != nil {
			a.degrade("save seed: " + err.Error())
			return
		}
	default:
		a.degrade("load master: " + err.Error())
		return
	}

	a.observeGraph(g)
	a.transition(StateReady)
	a.pushAllRegions(ctx, g)
}

func (a *Agent) seedMaster(ctx context.Context) (bigraph.Bigraph, bool) {
	if a.cfg.SeedFile != "" {
		g, err := bigraph.ReadGraphFile(a.cfg.SeedFile)
		if err == nil {
			a.logger.Info("master seeded from file", logging.Path(a.cfg.SeedFile), logging.Count(g.Len()))
			return g, true
		}
		a.logger.Error("seed file unreadable", logging.Path(a.cfg.SeedFile), logging.Error(err))
	}
	if a.snapshots != nil {
		g, err := a.snapshots.Restore(ctx)
		if err == nil {
			a.logger.Info("master restored from snapshot", logging.Count(g.Len()))
			return g, true
		}
		if !errors.Is(err, snapshot.ErrNoSnapshot) {
			a.logger.Warn("snapshot restore failed", logging.Error(err))
		}
	}
	return bigraph.Bigraph{}, false
}

// pushAllRegions sends every mid its region
func (a *Agent) pushAllRegions(ctx context.Context, master bigraph.Bigraph) {
	mids := partition.DiscoverMids(master)
	for _, m := range mids {
		if err := a.publishSlice(ctx, master, m.RootID, transport.MidGraphChannel(m.ID)); err != nil {
			a.logger.Error("region push failed", logging.MidID(m.ID), logging.Error(err))
		}
	}
	a.logger.Info("regions pushed", logging.Count(len(mids)))
}

// serveCloud answers a graph request from a mid, a hub, or the
// authoring tool's refresh when neither id is set
func (a *Agent) serveCloud(ctx context.Context, r *transport.GraphRequest) {
	master, err := a.store.Load()
	if err != nil {
		a.logger.Warn("graph request before master is loaded", logging.Error(err))
		return
	}

	switch {
	case r.MidID != "":
		mid, ok := partition.FindMid(master, r.MidID)
		if !ok {
			a.logger.Warn("unknown mid requested its region", logging.MidID(r.MidID))
			return
		}
		err = a.publishSlice(ctx, master, mid.RootID, transport.MidGraphChannel(mid.ID))

	case r.HubID != "":
		err = a.serveHubFromCloud(ctx, master, r.HubID)

	default:
		a.pushAllRegions(ctx, master)
	}

	if err != nil {
		a.logger.Error("serve graph request failed", logging.HubID(r.HubID), logging.MidID(r.MidID), logging.Error(err))
		return
	}
	a.countServed()
}

// serveHubFromCloud pushes the region of the mid covering hubID. A hub
// outside every region gets its own slice directly.
func (a *Agent) serveHubFromCloud(ctx context.Context, master bigraph.Bigraph, hubID string) error {
	if node, ok := partition.FindHubNode(master, hubID); ok {
		if mid, ok := partition.FindMidCovering(master, node.ID); ok {
			return a.publishSlice(ctx, master, mid.RootID, transport.MidGraphChannel(mid.ID))
		}
	}
	root, ok := partition.FindHubRoot(master, hubID)
	if !ok {
		return partition.ErrRootNotFound
	}
	return a.publishSlice(ctx, master, root, transport.HubGraphChannel(hubID))
}

func (a *Agent) archiveSnapshot(ctx context.Context, g bigraph.Bigraph) {
	if a.snapshots == nil {
		return
	}
	status := "ok"
	if err := a.snapshots.Archive(ctx, g); err != nil {
		status = "error"
		a.logger.Warn("snapshot upload failed", logging.Error(err))
	}
	if a.metrics != nil {
		a.metrics.SnapshotUploads.WithLabelValues(status).Inc()
	}
}
