// Command daglnode runs a full DAG-ledger node: relational store, joint
// validation pipeline, main-chain stabilization, fee accounting,
// autonomous-agent execution, governance tallying, the peer broker, and the
// admin/metrics surface, all wired from a single on-disk configuration file.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"

	"github.com/daglnode/daglnode/core"
	"github.com/daglnode/daglnode/pkg/config"
)

func main() {
	logger := log.StandardLogger()
	logger.SetFormatter(&log.JSONFormatter{})

	_ = godotenv.Load()

	env := os.Getenv("DAGLNODE_ENV")
	cfg, err := config.Load(env)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("node exited")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, err := core.NewStore(ctx, core.StoreConfig{
		DSN:            cfg.Store.DSN,
		MaxConnections: int32(cfg.Store.MaxConnections),
	}, logger)
	if err != nil {
		return err
	}
	core.SetCurrentStore(store)

	dag, err := core.NewDAG(store, logger)
	if err != nil {
		return err
	}

	params, err := systemParamsFromConfig(cfg)
	if err != nil {
		return err
	}

	validator := core.NewValidator(store, dag, &params, logger)
	gov := core.NewGovernance(store, logger)
	dag.SetGovernance(gov)
	mci := core.NewMainChainEngine(store, dag, gov, params, logger)
	fees := core.NewFeeLedger(store, logger)
	feed := core.NewStoreDataFeedReader(store, logger)
	aaEngine := core.NewAAEngine(store, feed, logger)
	catchup := core.NewCatchupEngine(store, logger)
	witnessProof := core.NewWitnessProofEngine(store, logger)
	delivery := core.NewAADeliveryService(store, logger)

	metrics := core.NewMetrics(nil)
	audit, err := core.NewAuditLogger()
	if err != nil {
		return err
	}
	defer audit.Sync()

	netCfg := core.Config{
		ListenAddr:          cfg.Network.ListenAddr,
		BootstrapPeers:      cfg.Network.BootstrapPeers,
		DiscoveryTag:        cfg.Network.DiscoveryTag,
		MaxInboundPeers:     cfg.Network.MaxInboundPeers,
		MaxOutboundPeers:    cfg.Network.MaxOutboundPeers,
		MaxPeersPerResponse: cfg.Network.MaxPeersPerResponse,
		WantNewPeers:        cfg.Network.WantNewPeers,
	}
	broker, err := core.NewBroker(ctx, netCfg, dag, store, logger)
	if err != nil {
		return err
	}
	defer broker.Close()
	broker.SetCatchupEngine(catchup)
	broker.SetWitnessProofEngine(witnessProof)
	broker.SetAADeliveryService(delivery)
	broker.SetSystemParams(params)

	ingest := &jointIngest{dag: dag, validator: validator, mci: mci, fees: fees, aa: aaEngine,
		governance: gov, broker: broker, logger: logger, params: params}

	admin := core.NewAdminServer(mci, broker, metrics)

	errCh := make(chan error, 2)
	go func() { errCh <- admin.ListenAndServe(ctx, cfg.Admin.ListenAddr) }()
	go func() {
		errCh <- broker.RunGossipLoop(ctx, func(ctx context.Context, from peer.ID, raw []byte) {
			if err := ingest.handle(ctx, from, raw); err != nil {
				metrics.RecordRejection(err)
				audit.UnitRejected(core.Hash{}, err.Error())
				logger.WithField("from", from.String()).WithError(err).Warn("joint rejected")
				admin.BroadcastEvent(map[string]interface{}{"event": "unit_rejected", "reason": err.Error()})
				return
			}
			metrics.UnitsValidated.Inc()
			metrics.MCIStabilized.Set(float64(mci.LastStableMCI()))
			broker.SetSystemParams(ingest.currentParams())
			admin.BroadcastEvent(map[string]interface{}{"event": "mci_stabilized", "last_stable_mci": mci.LastStableMCI()})
		})
	}()

	logger.WithField("listen_addr", cfg.Network.ListenAddr).Info("node started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// jointIngest wires together the validation pipeline, the relational
// write path, and main-chain stabilization for one incoming joint, then
// fans the newly-stabilized range out to fee accounting and autonomous
// agent execution. This is the runtime glue §4.5 describes as "steps 1-4
// run under the unit's lock, in order" — the per-component files only
// expose the individual steps.
type jointIngest struct {
	dag        *core.DAG
	validator  *core.Validator
	mci        *core.MainChainEngine
	fees       *core.FeeLedger
	aa         *core.AAEngine
	governance *core.Governance
	broker     *core.Broker
	logger     *log.Logger

	params core.SystemParams // touched only by the single gossip-loop goroutine
}

func (j *jointIngest) currentParams() core.SystemParams { return j.params }

// handle runs the full per-joint pipeline of §4.5: decode, validate, and on
// success insert + advance the main chain, fanning stabilized MCIs out to
// fee accounting, AA triggering, and governance tallying. On failure it
// dispatches on the validation error's typed kind per §7, rather than just
// classifying it for a metrics label: JointError/UnitError cache the
// joint/unit as bad, penalize the sending peer, and cascade the same
// treatment to anything that was waiting on this unit as a parent;
// TransientError is left alone so the next gossip resend naturally retries
// it; NeedParents/NeedHashTree save the joint as unhandled and request the
// missing data from a peer.
func (j *jointIngest) handle(ctx context.Context, from peer.ID, raw []byte) error {
	var u core.Unit
	if err := json.Unmarshal(raw, &u); err != nil {
		return err
	}

	if err := j.validator.ValidateJoint(ctx, raw, &u); err != nil {
		j.handleValidationFailure(ctx, from, raw, &u, err)
		return err
	}

	unlock := j.dag.LockUnit(u.UnitHash)
	defer unlock()

	if j.dag.IsKnownUnit(u.UnitHash) {
		return nil
	}

	if err := j.dag.InsertUnit(ctx, &u, raw); err != nil {
		j.handleValidationFailure(ctx, from, raw, &u, err)
		return err
	}
	if err := j.dag.RemoveUnhandled(ctx, u.UnitHash); err != nil {
		j.logger.WithField("unit", core.EncodeHash(u.UnitHash)).WithError(err).Warn("remove unhandled failed")
	}
	j.retryDependents(ctx, u.UnitHash)

	parents := make([]*core.Unit, 0, len(u.ParentUnits))
	for _, p := range u.ParentUnits {
		stub, err := j.dag.LoadUnitStub(ctx, p)
		if err != nil {
			return err
		}
		parents = append(parents, stub)
	}

	before := j.mci.LastStableMCI()
	if err := j.mci.OnUnitInserted(ctx, &u, parents); err != nil {
		return err
	}
	after := j.mci.LastStableMCI()

	for mci := before + 1; mci <= after; mci++ {
		if err := j.fees.OnMCIStabilized(ctx, mci); err != nil {
			j.logger.WithField("mci", mci).WithError(err).Error("fee distribution failed")
		}
		if err := j.triggerAAForMCI(ctx, mci); err != nil {
			j.logger.WithField("mci", mci).WithError(err).Error("aa trigger pass failed")
		}
		if err := j.applyVoteCountsForMCI(ctx, mci); err != nil {
			j.logger.WithField("mci", mci).WithError(err).Error("governance vote count failed")
		}
	}
	return nil
}

// triggerAAForMCI runs §4.8's deterministic AA-trigger detection over every
// unit that just stabilized at mci, so a full node independently reproduces
// any AA response unit it will later see land in its own DAG.
func (j *jointIngest) triggerAAForMCI(ctx context.Context, mci int64) error {
	units, err := j.dag.UnitsAtMCI(ctx, mci)
	if err != nil {
		return err
	}
	for _, h := range units {
		full, err := j.dag.LoadFullUnit(ctx, h)
		if err != nil {
			return err
		}
		if _, err := j.aa.OnUnitStabilized(ctx, full, mci); err != nil {
			return err
		}
	}
	return nil
}

// applyVoteCountsForMCI runs §4.9's system_vote_count dispatch over every
// unit that just stabilized at mci, tallying any governed subject it names
// and caching the node's own view of the effective SystemParams so the
// peer layer's get_witnesses answers stay current.
func (j *jointIngest) applyVoteCountsForMCI(ctx context.Context, mci int64) error {
	units, err := j.dag.UnitsAtMCI(ctx, mci)
	if err != nil {
		return err
	}
	for _, h := range units {
		full, err := j.dag.LoadFullUnit(ctx, h)
		if err != nil {
			return err
		}
		params, err := j.dag.ApplyVoteCounts(ctx, full, mci, j.params)
		if err != nil {
			return err
		}
		j.params = params
	}
	return nil
}

// handleValidationFailure implements §7's per-kind propagation rules for a
// rejected joint.
func (j *jointIngest) handleValidationFailure(ctx context.Context, from peer.ID, raw []byte, u *core.Unit, err error) {
	switch {
	case isJointOrUnitError(err):
		jointHash, unitHash, reason := jointErrorFields(err, u)
		if markErr := j.dag.MarkBad(ctx, jointHash, unitHash, reason); markErr != nil {
			j.logger.WithError(markErr).Warn("mark bad failed")
		}
		if j.broker != nil && from != "" {
			j.broker.PenalizePeer(from)
		}
		j.cascadeBad(ctx, unitHash, reason)
	case func() bool { _, ok := core.IsTransientError(err); return ok }():
		// Left uncached and unpenalized: the same joint will naturally be
		// retried the next time it is gossiped, once the race it lost
		// against concurrent stabilization has resolved.
	case func() bool { _, ok := core.IsNeedParents(err); return ok }():
		np, _ := core.IsNeedParents(err)
		if saveErr := j.dag.SaveUnhandled(ctx, np.UnitHash, raw, np.MissingParents, from.String()); saveErr != nil {
			j.logger.WithError(saveErr).Warn("save unhandled failed")
		}
		j.requestMissingParents(ctx, np.MissingParents)
	case func() bool { _, ok := core.IsNeedHashTree(err); return ok }():
		nht, _ := core.IsNeedHashTree(err)
		if saveErr := j.dag.SaveUnhandled(ctx, nht.UnitHash, raw, nil, from.String()); saveErr != nil {
			j.logger.WithError(saveErr).Warn("save unhandled failed")
		}
		j.requestHashTree(ctx)
	}
}

func isJointOrUnitError(err error) bool {
	if _, ok := core.IsJointError(err); ok {
		return true
	}
	_, ok := core.IsUnitError(err)
	return ok
}

func jointErrorFields(err error, u *core.Unit) (jointHash, unitHash core.Hash, reason string) {
	if je, ok := core.IsJointError(err); ok {
		return je.JointHash, je.UnitHash, je.Reason
	}
	if ue, ok := core.IsUnitError(err); ok {
		return core.Hash{}, ue.UnitHash, ue.Reason
	}
	return core.Hash{}, u.UnitHash, err.Error()
}

// cascadeBad marks every unit that was waiting on unitHash as a missing
// parent bad as well, and drops its unhandled bookkeeping: a unit built on
// top of a now-permanently-bad parent can never become valid.
func (j *jointIngest) cascadeBad(ctx context.Context, unitHash core.Hash, reason string) {
	dependents, err := j.dag.DependentsOf(ctx, unitHash)
	if err != nil {
		j.logger.WithError(err).Warn("load dependents failed")
		return
	}
	for _, dep := range dependents {
		if err := j.dag.MarkBad(ctx, core.Hash{}, dep, "ancestor is bad: "+reason); err != nil {
			j.logger.WithError(err).Warn("cascade mark bad failed")
			continue
		}
		if err := j.dag.RemoveUnhandled(ctx, dep); err != nil {
			j.logger.WithError(err).Warn("cascade remove unhandled failed")
		}
	}
}

// retryDependents is the success-side counterpart of cascadeBad: once a
// unit is inserted, anything that was only waiting on it as a missing
// parent is re-run through handle from its saved unhandled joint bytes.
func (j *jointIngest) retryDependents(ctx context.Context, unitHash core.Hash) {
	dependents, err := j.dag.DependentsOf(ctx, unitHash)
	if err != nil {
		j.logger.WithError(err).Warn("load dependents failed")
		return
	}
	for _, dep := range dependents {
		joint, err := j.dag.LoadUnhandledJoint(ctx, dep)
		if err != nil {
			j.logger.WithField("unit", core.EncodeHash(dep)).WithError(err).Warn("load unhandled joint failed")
			continue
		}
		if err := j.handle(ctx, peer.ID(""), joint); err != nil {
			j.logger.WithField("unit", core.EncodeHash(dep)).WithError(err).Warn("retry of dependent unit failed")
		}
	}
}

func (j *jointIngest) requestMissingParents(ctx context.Context, missing []core.Hash) {
	if j.broker == nil {
		return
	}
	for _, p := range missing {
		resp, err := j.broker.SendRequest(ctx, "get_joint", map[string]interface{}{"unit": core.EncodeHash(p)}, requestTimeout)
		if err != nil {
			j.logger.WithField("unit", core.EncodeHash(p)).WithError(err).Warn("request missing parent failed")
			continue
		}
		joint, ok := resp.Response.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := joint["joint"].(string)
		if !ok {
			continue
		}
		if err := j.handle(ctx, peer.ID(""), []byte(raw)); err != nil {
			j.logger.WithField("unit", core.EncodeHash(p)).WithError(err).Warn("replay of fetched parent failed")
		}
	}
}

func (j *jointIngest) requestHashTree(ctx context.Context) {
	if j.broker == nil {
		return
	}
	from := j.mci.LastStableMCI()
	if _, err := j.broker.SendRequest(ctx, "get_hash_tree",
		map[string]interface{}{"from_mci": from, "to_mci": from + core.MaxCatchupChainLength}, requestTimeout); err != nil {
		j.logger.WithError(err).Warn("request hash tree failed")
	}
}

const requestTimeout = 10 * time.Second

func systemParamsFromConfig(cfg *config.Config) (core.SystemParams, error) {
	params := core.SystemParams{
		BaseTPSFee:       cfg.TPSFee.BaseFee,
		TPSInterval:      float64(cfg.TPSFee.Interval),
		TPSFeeMultiplier: float64(cfg.TPSFee.Multiplier),
	}
	for _, w := range cfg.Witnesses {
		addr, err := core.DecodeAddress(w)
		if err != nil {
			return core.SystemParams{}, err
		}
		params.OpList = append(params.OpList, addr)
	}
	return params, nil
}
