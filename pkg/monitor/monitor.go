// Package monitor implements the Transfer Monitor (spec.md §4.3, C7): an
// asynchronous polling loop aggregating per-gateway chunk-state streams
// into a fleet-wide completion judgment, with error/timeout/guaranteed-
// cleanup semantics. Progress/ETA math is grounded on and absorbs the
// teacher's pkg/progress.Tracker (transfer-speed averaging, ETA
// calculation); cleanup fan-outs reuse pkg/fanout the way every other
// phase does.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/compute"
	"skyplane-ctl/pkg/fanout"
	"skyplane-ctl/pkg/gatewayapi"
	"skyplane-ctl/pkg/logx"
	"skyplane-ctl/pkg/objectstore"
	"skyplane-ctl/pkg/progress"
	"skyplane-ctl/pkg/skyerr"
	"skyplane-ctl/pkg/state"
	"skyplane-ctl/pkg/topology"
	"skyplane-ctl/pkg/traceevent"
)

// Options mirrors monitor_transfer's switches.
type Options struct {
	ShowSpinner        bool
	LogIntervalS       float64
	TimeLimitSeconds   *float64
	CleanupGateway     bool
	SaveLog            bool
	WriteProfile       bool
	WriteSocketProfile bool
	CopyGatewayLogs    bool
	Multipart          bool
}

// Status is the result dictionary monitor_transfer returns.
type Status struct {
	MonitorStatus     string // "completed" | "error" | "timed_out"
	CompletedChunkIDs []int
	TotalRuntimeS     float64
	ThroughputGbits   float64
	Errors            map[string][]string
}

// Monitor polls a provisioned fleet until completion, timeout, or error.
type Monitor struct {
	store       objectstore.ObjectStoreInterface
	transferDir string
	log         *logx.Logger
}

// New builds a Monitor writing its on-disk outputs under transferDir.
func New(store objectstore.ObjectStoreInterface, transferDir string, log *logx.Logger) *Monitor {
	return &Monitor{store: store, transferDir: transferDir, log: log}
}

type gatewayHandle struct {
	node    topology.Gateway
	server  compute.Server
	client  *gatewayapi.Client
	isSink  bool
}

// MonitorTransfer runs the polling loop against job/topo/bound. id
// identifies this run for the job.pkl-equivalent record written under
// transfer_dir when opts.SaveLog is set (spec.md §6). The
// guaranteed-cleanup block always runs, on every exit path, via defer.
func (m *Monitor) MonitorTransfer(ctx context.Context, id string, job *chunk.ReplicationJob, topo *topology.Topology, bound map[topology.Gateway]compute.Server, records []chunk.MultipartUploadRecord, opts Options) Status {
	handles := buildHandles(topo, bound)
	sinkRegions := topo.SinkRegions()
	sinkInstances := make(map[string]bool)
	for _, h := range handles {
		if h.isSink {
			sinkInstances[h.server.InstanceName()] = true
		}
	}
	lengthByChunk := make(map[int]int64, len(job.ChunkRequests))
	for _, r := range job.ChunkRequests {
		lengthByChunk[r.Chunk.ChunkID] = r.Chunk.ChunkLengthBytes
	}
	totalBytes := int64(0)
	for _, l := range lengthByChunk {
		totalBytes += l
	}

	var allEntries []chunk.StatusLogEntry
	var finalStatus Status
	start := time.Now()
	var lastLog time.Time
	tracker := progress.NewTracker(int64(len(job.ChunkRequests)), totalBytes)

	// A closure, not a plain deferred call: handles/allEntries/finalStatus
	// must be read at cleanup time (after the loop below has filled them
	// in), not captured as of this statement.
	defer func() {
		m.cleanup(ctx, handles, allEntries, opts, id, job, records, finalStatus, start)
	}()

	for {
		// Step 1: liveness probe, best-effort.
		_ = fanout.ParallelVoid(ctx, handles, 0, func(ctx context.Context, h gatewayHandle) error {
			if _, err := h.server.RunCommand(ctx, "echo 1"); err != nil && m.log != nil {
				m.log.Warn("liveness probe failed on %s: %v", h.server.UUID(), err)
			}
			return nil
		})

		// Step 2: error scan.
		errByInstance, err := m.scanErrors(ctx, handles)
		if err != nil {
			finalStatus = Status{MonitorStatus: "error", Errors: errByInstance}
			return finalStatus
		}

		// Step 3: state aggregation.
		entries, err := m.aggregateState(ctx, handles)
		if err != nil && m.log != nil {
			m.log.Warn("state aggregation error: %v", err)
		}
		allEntries = entries

		// Step 4: completion judgment, over entries reported by sink instances.
		var sinkEntries []chunk.StatusLogEntry
		for _, e := range entries {
			if sinkInstances[e.Instance] {
				sinkEntries = append(sinkEntries, e)
			}
		}
		completed := completedChunks(sinkEntries, sinkRegions)

		// Step 5: progress reporting.
		completedBytes := int64(0)
		for id := range completed {
			completedBytes += lengthByChunk[id]
		}
		_, throughputGbits := progressStats(entries, completedBytes)
		tracker.Update(len(completed), completedBytes)

		if opts.ShowSpinner {
			fmt.Fprint(os.Stderr, tracker.FormatProgress())
		} else if opts.LogIntervalS > 0 && time.Since(lastLog).Seconds() >= opts.LogIntervalS && m.log != nil {
			m.log.Info("progress: %d/%d chunks complete, %.2f Gbit/s, ETA %s", len(completed), len(job.ChunkRequests), throughputGbits, tracker.GetStats().ETA)
			lastLog = time.Now()
		}

		// Step 6: terminal checks.
		if len(completed) == len(job.ChunkRequests) && len(job.ChunkRequests) > 0 {
			if opts.Multipart {
				if err := m.finalizeMultipart(ctx, job, records); err != nil {
					finalStatus = Status{MonitorStatus: "error", Errors: map[string][]string{"multipart": {err.Error()}}}
					return finalStatus
				}
			}
			finalStatus = Status{
				MonitorStatus:     "completed",
				CompletedChunkIDs: sortedKeys(completed),
				TotalRuntimeS:     time.Since(start).Seconds(),
				ThroughputGbits:   throughputGbits,
			}
			return finalStatus
		}

		totalElapsed := time.Since(start).Seconds()
		timedOut := false
		if opts.TimeLimitSeconds != nil && totalElapsed > *opts.TimeLimitSeconds {
			timedOut = true
		}
		if totalElapsed > 600 && completedBytes == 0 {
			timedOut = true
		}
		if timedOut {
			finalStatus = Status{
				MonitorStatus:     "timed_out",
				CompletedChunkIDs: sortedKeys(completed),
				TotalRuntimeS:     totalElapsed,
			}
			return finalStatus
		}

		select {
		case <-ctx.Done():
			finalStatus = Status{MonitorStatus: "timed_out", CompletedChunkIDs: sortedKeys(completed)}
			return finalStatus
		case <-time.After(pollInterval(opts.ShowSpinner)):
		}
	}
}

func pollInterval(spinner bool) time.Duration {
	if spinner {
		return 10 * time.Millisecond
	}
	return 250 * time.Millisecond
}

func buildHandles(topo *topology.Topology, bound map[topology.Gateway]compute.Server) []gatewayHandle {
	sinks := make(map[topology.Gateway]bool)
	for _, n := range topo.SinkInstances() {
		sinks[n] = true
	}
	var out []gatewayHandle
	for _, node := range topo.GatewayNodes() {
		server, ok := bound[node]
		if !ok {
			continue
		}
		out = append(out, gatewayHandle{
			node:   node,
			server: server,
			client: gatewayapi.New(server.GatewayAPIURL()),
			isSink: sinks[node],
		})
	}
	return out
}

func (m *Monitor) scanErrors(ctx context.Context, handles []gatewayHandle) (map[string][]string, error) {
	type result struct {
		instance string
		errs     []string
	}
	results, err := fanout.Parallel(ctx, handles, 0, func(ctx context.Context, h gatewayHandle) (result, error) {
		errs, err := h.client.Errors(ctx)
		if err != nil {
			return result{}, err
		}
		return result{instance: h.server.InstanceName(), errs: errs}, nil
	})
	if err != nil && m.log != nil {
		m.log.Warn("error scan fan-out had failures: %v", err)
	}

	out := make(map[string][]string)
	for _, r := range results {
		if len(r.errs) > 0 {
			out[r.instance] = r.errs
		}
	}
	if len(out) > 0 {
		return out, &skyerr.GatewayError{Errors: out}
	}
	return nil, nil
}

func (m *Monitor) aggregateState(ctx context.Context, handles []gatewayHandle) ([]chunk.StatusLogEntry, error) {
	results, err := fanout.Parallel(ctx, handles, 0, func(ctx context.Context, h gatewayHandle) ([]chunk.StatusLogEntry, error) {
		entries, err := h.client.ChunkStatusLog(ctx)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			entries[i].Region = h.node.Region
			entries[i].Instance = h.server.InstanceName()
		}
		return entries, nil
	})

	var all []chunk.StatusLogEntry
	for _, r := range results {
		all = append(all, r...)
	}
	if err != nil {
		return all, fmt.Errorf("state aggregation: %w", err)
	}
	return all, nil
}

// completedChunks implements step 4: a chunk is complete once every sink
// region has reported upload_complete for it. It filters by state and
// region only; MonitorTransfer passes it just the entries reported by sink
// instances.
func completedChunks(entries []chunk.StatusLogEntry, sinkRegions map[string]bool) map[int]bool {
	regionsByChunk := make(map[int]map[string]bool)
	for _, e := range entries {
		if e.State != chunk.StateUploadComplete {
			continue
		}
		if !sinkRegions[e.Region] {
			continue
		}
		if regionsByChunk[e.ChunkID] == nil {
			regionsByChunk[e.ChunkID] = make(map[string]bool)
		}
		regionsByChunk[e.ChunkID][e.Region] = true
	}

	completed := make(map[int]bool)
	for id, regions := range regionsByChunk {
		ok := true
		for r := range sinkRegions {
			if !regions[r] {
				ok = false
				break
			}
		}
		if ok {
			completed[id] = true
		}
	}
	return completed
}

// progressStats implements step 5: elapsed_s spans the earliest to
// latest entry timestamp; throughput is in Gbit/s (GB = 2^30, OQ2).
func progressStats(entries []chunk.StatusLogEntry, completedBytes int64) (elapsed time.Duration, throughputGbits float64) {
	if len(entries) == 0 {
		return 0, 0
	}
	minT, maxT := entries[0].Time, entries[0].Time
	for _, e := range entries[1:] {
		if e.Time.Before(minT) {
			minT = e.Time
		}
		if e.Time.After(maxT) {
			maxT = e.Time
		}
	}
	elapsed = maxT.Sub(minT)
	if elapsed <= 0 {
		return elapsed, 0
	}
	throughputGbits = float64(completedBytes) * 8 / float64(chunk.GB) / elapsed.Seconds()
	return elapsed, throughputGbits
}

// flattenStatusErrors turns the per-instance error map Status carries into
// the flat string list state.JobRecord.Errors stores.
func flattenStatusErrors(byInstance map[string][]string) []string {
	var out []string
	for instance, errs := range byInstance {
		for _, e := range errs {
			out = append(out, fmt.Sprintf("%s: %s", instance, e))
		}
	}
	return out
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// finalizeMultipart completes every MultipartUploadRecord once all of a
// job's chunks are complete. The control plane's data model carries no
// per-part ETag (those live on the gateway data plane, out of scope per
// spec.md §1) so parts are completed by part number only, and
// ObjectStoreInterface.CompleteMultipartUpload is called with empty
// ETags here.
func (m *Monitor) finalizeMultipart(ctx context.Context, job *chunk.ReplicationJob, records []chunk.MultipartUploadRecord) error {
	failures := make(map[string]error)
	var mu sync.Mutex
	_ = fanout.ParallelVoid(ctx, records, 0, func(ctx context.Context, rec chunk.MultipartUploadRecord) error {
		parts := make([]objectstore.CompletedPart, len(rec.Parts))
		for i, n := range rec.Parts {
			parts[i] = objectstore.CompletedPart{PartNumber: int32(n)}
		}
		if err := m.store.CompleteMultipartUpload(ctx, rec.Bucket, rec.Key, rec.UploadID, parts); err != nil {
			mu.Lock()
			failures[rec.Key] = err
			mu.Unlock()
			return err
		}
		return nil
	})
	if len(failures) > 0 {
		return &skyerr.MultipartFinalizeError{Failures: failures}
	}
	return nil
}

// cleanup is the guaranteed-cleanup block: compression profile summary,
// gateway log collection, CSV/trace-event output, socket profile
// collection, job-record persistence, and gateway shutdown. Every
// sub-step is best-effort; none of them may mask the monitor's actual
// terminal status.
func (m *Monitor) cleanup(ctx context.Context, handles []gatewayHandle, entries []chunk.StatusLogEntry, opts Options, id string, job *chunk.ReplicationJob, records []chunk.MultipartUploadRecord, status Status, start time.Time) {
	var sourceHandles []gatewayHandle
	for _, h := range handles {
		if !h.isSink {
			sourceHandles = append(sourceHandles, h)
		}
	}
	type compResult struct {
		compressed, uncompressed int64
	}
	results, _ := fanout.Parallel(ctx, sourceHandles, 0, func(ctx context.Context, h gatewayHandle) (compResult, error) {
		p, err := h.client.CompressionProfile(ctx)
		if err != nil {
			return compResult{}, err
		}
		return compResult{compressed: p.CompressedBytesSent, uncompressed: p.UncompressedBytesSent}, nil
	})
	var totalCompressed, totalUncompressed int64
	for _, r := range results {
		totalCompressed += r.compressed
		totalUncompressed += r.uncompressed
	}
	if totalUncompressed > 0 && m.log != nil {
		m.log.Info("compression ratio: %.3f (%d/%d bytes)", float64(totalCompressed)/float64(totalUncompressed), totalCompressed, totalUncompressed)
	}

	if opts.CopyGatewayLogs {
		_ = fanout.ParallelVoid(ctx, handles, 0, func(ctx context.Context, h gatewayHandle) error {
			id := h.server.UUID()
			remoteOut := fmt.Sprintf("/tmp/gateway_%s.stdout", id)
			remoteErr := fmt.Sprintf("/tmp/gateway_%s.stderr", id)
			cmd := fmt.Sprintf("sudo docker logs skyplane_gateway > %s 2> %s", remoteOut, remoteErr)
			if _, err := h.server.RunCommand(ctx, cmd); err != nil {
				return err
			}
			if err := h.server.DownloadFile(ctx, remoteOut, filepath.Join(m.transferDir, fmt.Sprintf("gateway_%s.stdout", id))); err != nil {
				return err
			}
			return h.server.DownloadFile(ctx, remoteErr, filepath.Join(m.transferDir, fmt.Sprintf("gateway_%s.stderr", id)))
		})
	}

	if opts.WriteProfile {
		csvPath := filepath.Join(m.transferDir, "chunk_status_df.csv")
		if err := traceevent.WriteStatusCSV(csvPath, entries); err != nil && m.log != nil {
			m.log.Warn("write status csv: %v", err)
		}
		tracePath := filepath.Join(m.transferDir, fmt.Sprintf("traceevent_%s.json", uuid.New().String()))
		if err := traceevent.WriteChromeTrace(tracePath, entries); err != nil && m.log != nil {
			m.log.Warn("write trace event json: %v", err)
		}
	}

	if opts.SaveLog {
		rec := &state.JobRecord{
			ID:               id,
			Job:              *job,
			MultipartRecords: records,
			Status:           status.MonitorStatus,
			ThroughputGbits:  status.ThroughputGbits,
			Errors:           flattenStatusErrors(status.Errors),
			StartTime:        start,
		}
		end := time.Now()
		rec.EndTime = &end
		jobPath := filepath.Join(m.transferDir, "job.json")
		if err := state.SaveJobFile(jobPath, rec); err != nil && m.log != nil {
			m.log.Warn("write job record: %v", err)
		}
	}

	if opts.WriteSocketProfile {
		_ = fanout.ParallelVoid(ctx, handles, 0, func(ctx context.Context, h gatewayHandle) error {
			body, err := h.client.SocketReceiverProfile(ctx)
			if err != nil {
				return err
			}
			path := filepath.Join(m.transferDir, fmt.Sprintf("receiver_socket_profile_%s.json", h.server.UUID()))
			return os.WriteFile(path, body, 0o644)
		})
	}

	if opts.CleanupGateway {
		_ = fanout.ParallelVoid(ctx, handles, 0, func(ctx context.Context, h gatewayHandle) error {
			h.client.Shutdown(ctx)
			return nil
		})
	}
}
