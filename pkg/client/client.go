// Package client implements the Client Container (spec.md §4.4, C8): the
// top-level sequencer that owns a run's transfer_dir, drives provision →
// plan → monitor in order, and guarantees deprovision runs on every exit
// path. Grounded on the teacher's cmd/server/main.go (top-level wiring:
// build dependencies, then hand off to one long-lived driver) and
// api/handlers.go's TaskManager (per-run state, a log file per task).
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/cloudconfig"
	"skyplane-ctl/pkg/logx"
	"skyplane-ctl/pkg/monitor"
	"skyplane-ctl/pkg/objectstore"
	"skyplane-ctl/pkg/plan"
	"skyplane-ctl/pkg/provision"
	"skyplane-ctl/pkg/state"
	"skyplane-ctl/pkg/statusapi"
	"skyplane-ctl/pkg/topology"
)

// RunOptions bundles the options passed through to the provisioner and
// monitor for one run.
type RunOptions struct {
	Provision provision.Options
	Monitor   monitor.Options
}

// Client sequences a single replication run end-to-end. It is not
// reentrant: build a new Client (or at least a new transfer_dir) per run.
type Client struct {
	providers  *cloudconfig.Providers
	provCfg    provision.Config
	store      objectstore.ObjectStoreInterface
	stateStore state.Manager
	reporter   *statusapi.Reporter

	baseDir     string
	transferDir string
	log         *logx.Logger
}

// New builds a Client. baseDir is the root under which transfer_logs/
// run directories are created; stateStore and reporter may both be nil
// to skip durable run-history persistence and the introspection server
// respectively.
func New(providers *cloudconfig.Providers, provCfg provision.Config, store objectstore.ObjectStoreInterface, stateStore state.Manager, reporter *statusapi.Reporter, baseDir string) *Client {
	return &Client{
		providers:  providers,
		provCfg:    provCfg,
		store:      store,
		stateStore: stateStore,
		reporter:   reporter,
		baseDir:    baseDir,
	}
}

func (c *Client) setPhase(id, phase string) {
	if c.reporter != nil {
		c.reporter.SetPhase(id, phase)
	}
}

func (c *Client) reportStatus(status monitor.Status) {
	if c.reporter != nil {
		c.reporter.SetStatus(status)
	}
}

// newTransferDir creates baseDir/transfer_logs/<YYYYMMDD_HHMMSS>/, the
// run-scoped directory spec.md's on-disk outputs (log file, CSV, trace
// event JSON, socket profiles) all live under, stamped with now (passed
// in by the caller so the client itself never calls time.Now
// internally — callers own wall-clock time per spec.md's test-harness
// determinism note).
func newTransferDir(baseDir string, now time.Time) (string, error) {
	dir := filepath.Join(baseDir, "transfer_logs", now.Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create transfer dir: %w", err)
	}
	return dir, nil
}

// Result is what RunJob returns: the terminal monitor status plus where
// this run's on-disk outputs and state record landed.
type Result struct {
	TransferDir string
	Status      monitor.Status
}

// RunJob is the full C8 sequence: build a transfer_dir, provision the
// fleet, run the plan, monitor until terminal, and guarantee deprovision
// regardless of which phase failed. now stamps the transfer_dir name and
// the persisted JobRecord's start/end times.
func (c *Client) RunJob(ctx context.Context, id string, job *chunk.ReplicationJob, topo *topology.Topology, opts RunOptions, now time.Time) (Result, error) {
	dir, err := newTransferDir(c.baseDir, now)
	if err != nil {
		return Result{}, err
	}
	c.transferDir = dir

	c.log = logx.New()
	if err := c.log.OpenFile(filepath.Join(dir, "client.log")); err != nil {
		c.log.Warn("could not open client log file: %v", err)
	}
	defer c.log.Close()

	opts.Provision.LogDir = dir
	c.log.Info("starting run %s: %s -> %s, transfer_dir=%s", id, job.SourceRegion, job.DestRegion, dir)

	rec := &state.JobRecord{ID: id, Job: *job, StartTime: now, Status: "running"}
	c.saveRecord(rec)

	c.setPhase(id, "provisioning")
	prov := provision.New(c.providers, c.provCfg, c.log)
	fleet, provErr := prov.ProvisionGateways(ctx, topo, opts.Provision)

	var result Result
	result.TransferDir = dir

	defer func() {
		if fleet == nil {
			return
		}
		if err := prov.DeprovisionGateways(context.Background(), fleet); err != nil {
			c.log.Warn("deprovision failed: %v", err)
		} else {
			c.log.Info("deprovision complete")
		}
	}()

	if provErr != nil {
		c.log.Error("provisioning failed: %v", provErr)
		result.Status = monitor.Status{MonitorStatus: "error", Errors: map[string][]string{"provision": {provErr.Error()}}}
		c.reportStatus(result.Status)
		c.finishRecord(rec, result.Status, now)
		return result, provErr
	}

	bound := fleet.BoundNodes()

	c.setPhase(id, "planning")
	planner := plan.New(c.store, c.log)
	planned, records, planErr := planner.RunReplicationPlan(ctx, job, topo, bound)
	if planErr != nil {
		c.log.Error("planning failed: %v", planErr)
		result.Status = monitor.Status{MonitorStatus: "error", Errors: map[string][]string{"plan": {planErr.Error()}}}
		c.reportStatus(result.Status)
		c.finishRecord(rec, result.Status, now)
		return result, planErr
	}

	c.setPhase(id, "monitoring")
	mon := monitor.New(c.store, dir, c.log)
	status := mon.MonitorTransfer(ctx, id, planned, topo, bound, records, opts.Monitor)
	c.log.Info("run %s finished: %s", id, status.MonitorStatus)

	c.setPhase(id, "done")
	c.reportStatus(status)
	result.Status = status
	rec.MultipartRecords = records
	c.finishRecord(rec, status, now)
	return result, nil
}

func (c *Client) saveRecord(rec *state.JobRecord) {
	if c.stateStore == nil {
		return
	}
	if err := c.stateStore.SaveRun(rec); err != nil && c.log != nil {
		c.log.Warn("save run record: %v", err)
	}
}

func (c *Client) finishRecord(rec *state.JobRecord, status monitor.Status, now time.Time) {
	rec.Status = status.MonitorStatus
	rec.ThroughputGbits = status.ThroughputGbits
	rec.Errors = flattenErrors(status.Errors)
	end := now.Add(time.Duration(status.TotalRuntimeS * float64(time.Second)))
	rec.EndTime = &end
	c.saveRecord(rec)
}

func flattenErrors(byInstance map[string][]string) []string {
	var out []string
	for instance, errs := range byInstance {
		for _, e := range errs {
			out = append(out, fmt.Sprintf("%s: %s", instance, e))
		}
	}
	return out
}
