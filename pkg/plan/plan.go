// Package plan implements the Replication Planner (spec.md §4.2, C6):
// bucket authorization, object sizing, chunking (with multipart
// initiation), longest-processing-time batching, and dispatch to source
// gateways. Grounded on the teacher's pkg/core/streaming_optimizer.go
// (multipart part sizing/lifecycle) and pkg/batch/processor.go (batching
// a work list across workers).
package plan

import (
	"context"
	"fmt"
	"sort"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/compute"
	"skyplane-ctl/pkg/fanout"
	"skyplane-ctl/pkg/gatewayapi"
	"skyplane-ctl/pkg/logx"
	"skyplane-ctl/pkg/objectstore"
	"skyplane-ctl/pkg/region"
	"skyplane-ctl/pkg/skyerr"
	"skyplane-ctl/pkg/topology"
)

// Planner drives run_replication_plan against a provisioned fleet.
type Planner struct {
	store objectstore.ObjectStoreInterface
	log   *logx.Logger
}

// New builds a Planner that initiates multipart uploads through store.
func New(store objectstore.ObjectStoreInterface, log *logx.Logger) *Planner {
	return &Planner{store: store, log: log}
}

// RunReplicationPlan executes S1-S6 against job, using topo and bound to
// resolve Azure authorization targets and source-gateway dispatch
// addresses. Returns the mutated job (chunk_requests attached) and the
// multipart upload records produced during chunking, which the caller
// (the client container) appends to its own multipart_upload_requests
// list — that list is client-container state, not planner state, per
// spec.md §3.
func (p *Planner) RunReplicationPlan(ctx context.Context, job *chunk.ReplicationJob, topo *topology.Topology, bound map[topology.Gateway]compute.Server) (*chunk.ReplicationJob, []chunk.MultipartUploadRecord, error) {
	if err := p.authorizeBuckets(ctx, job, bound); err != nil {
		return nil, nil, err
	}

	sizes, err := sizeObjects(job)
	if err != nil {
		return nil, nil, err
	}

	chunks, records, err := p.chunkJob(ctx, job, sizes)
	if err != nil {
		return nil, nil, err
	}

	sources := topo.SourceInstances()
	batches := lptBatch(chunks, len(sources))
	requests := wrapBatches(job, batches)

	if err := p.dispatch(ctx, sources, bound, requests); err != nil {
		return nil, nil, err
	}

	var flattened []chunk.ChunkRequest
	for _, b := range requests {
		flattened = append(flattened, b...)
	}
	job.ChunkRequests = flattened
	return job, records, nil
}

// authorizeBuckets is step S1: Azure gateways in the source/dest region
// must authorize the relevant storage account before any dispatch.
// AWS/GCP authorization happens at provisioning time via IAM policy, so
// nothing is done for them here.
func (p *Planner) authorizeBuckets(ctx context.Context, job *chunk.ReplicationJob, bound map[topology.Gateway]compute.Server) error {
	if err := authorizeIfAzure(ctx, job.SourceRegion, job.SourceBucket, bound); err != nil {
		return err
	}
	return authorizeIfAzure(ctx, job.DestRegion, job.DestBucket, bound)
}

func authorizeIfAzure(ctx context.Context, regionTag, bucket string, bound map[topology.Gateway]compute.Server) error {
	if bucket == "" {
		return nil
	}
	t, err := region.Parse(regionTag)
	if err != nil {
		return &skyerr.ConfigurationError{Reason: err.Error()}
	}
	if t.Provider != region.Azure {
		return nil
	}
	for node, server := range bound {
		if node.Region != regionTag {
			continue
		}
		authz, ok := server.(compute.AzureAuthorizer)
		if !ok {
			continue
		}
		if err := authz.AuthorizeStorageAccount(ctx, bucket); err != nil {
			return fmt.Errorf("authorize storage account %s on %s: %w", bucket, server.UUID(), err)
		}
	}
	return nil
}

// sizeObjects is step S2.
func sizeObjects(job *chunk.ReplicationJob) (map[string]int64, error) {
	if job.ObjSizes != nil {
		return job.ObjSizes, nil
	}
	if job.RandomChunkSizeMB != nil {
		size := int64(*job.RandomChunkSizeMB * chunk.MB)
		sizes := make(map[string]int64, len(job.SrcObjs))
		for _, src := range job.SrcObjs {
			sizes[src] = size
		}
		return sizes, nil
	}
	return nil, &skyerr.PlanError{Reason: "neither obj_sizes nor random_chunk_size_mb is set"}
}

// chunkJob is step S3: emits Chunks in (src_objs, dest_objs) iteration
// order with a monotonically increasing chunk_id, initiating a
// multipart upload per multipart object.
func (p *Planner) chunkJob(ctx context.Context, job *chunk.ReplicationJob, sizes map[string]int64) ([]chunk.Chunk, []chunk.MultipartUploadRecord, error) {
	var chunks []chunk.Chunk
	var records []chunk.MultipartUploadRecord
	nextID := 0

	for i, src := range job.SrcObjs {
		dest := job.DestObjs[i]
		size := sizes[src]

		if job.MaxChunkSizeMB != nil {
			chunkSize := int64(*job.MaxChunkSizeMB * chunk.MB)
			if chunkSize <= 0 {
				return nil, nil, &skyerr.ConfigurationError{Reason: "max_chunk_size_mb must be positive"}
			}

			uploadID, err := p.store.InitiateMultipartUpload(ctx, job.DestBucket, dest)
			if err != nil {
				return nil, nil, fmt.Errorf("initiate multipart upload for %s: %w", dest, err)
			}

			var parts []int
			offset := int64(0)
			partNumber := 1
			for offset < size {
				length := chunkSize
				if remaining := size - offset; remaining < length {
					length = remaining
				}
				// OQ1: an exact multiple of chunk_size would otherwise
				// produce a trailing zero-length chunk; skip it instead
				// of emitting one, violating P1's length > 0 invariant.
				if length == 0 {
					break
				}
				chunks = append(chunks, chunk.Chunk{
					ChunkID:          nextID,
					SrcKey:           src,
					DestKey:          dest,
					FileOffsetBytes:  offset,
					ChunkLengthBytes: length,
					PartNumber:       partNumber,
					UploadID:         uploadID,
				})
				nextID++
				parts = append(parts, partNumber)
				offset += length
				partNumber++
			}
			records = append(records, chunk.MultipartUploadRecord{
				Region:   job.DestRegion,
				Bucket:   job.DestBucket,
				UploadID: uploadID,
				Key:      dest,
				Parts:    parts,
			})
			continue
		}

		chunks = append(chunks, chunk.Chunk{
			ChunkID:          nextID,
			SrcKey:           src,
			DestKey:          dest,
			FileOffsetBytes:  0,
			ChunkLengthBytes: size,
		})
		nextID++
	}

	return chunks, records, nil
}

// lptBatch is step S4: sort chunks by length descending and greedily
// assign each to the batch with the current minimum sum, ties broken by
// lowest batch index. Tolerates k or k-1 non-empty batches when
// len(chunks) < k (OQ3).
func lptBatch(chunks []chunk.Chunk, k int) [][]chunk.Chunk {
	if k <= 0 {
		k = 1
	}
	sorted := make([]chunk.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ChunkLengthBytes > sorted[j].ChunkLengthBytes
	})

	batches := make([][]chunk.Chunk, k)
	sums := make([]int64, k)
	for _, c := range sorted {
		minIdx := 0
		for i := 1; i < k; i++ {
			if sums[i] < sums[minIdx] {
				minIdx = i
			}
		}
		batches[minIdx] = append(batches[minIdx], c)
		sums[minIdx] += c.ChunkLengthBytes
	}
	return batches
}

// wrapBatches is step S5: wraps each chunk with job-level transfer
// context to produce ChunkRequests.
func wrapBatches(job *chunk.ReplicationJob, batches [][]chunk.Chunk) [][]chunk.ChunkRequest {
	srcType := chunk.SourceRandom
	if job.SourceBucket != "" {
		srcType = chunk.SourceObjectStore
	}
	dstType := chunk.DestSaveLocal
	if job.DestBucket != "" {
		dstType = chunk.DestObjectStore
	}

	out := make([][]chunk.ChunkRequest, len(batches))
	for i, batch := range batches {
		reqs := make([]chunk.ChunkRequest, len(batch))
		for j, c := range batch {
			reqs[j] = chunk.ChunkRequest{
				Chunk:                c,
				SrcRegion:            job.SourceRegion,
				DstRegion:            job.DestRegion,
				SrcType:              srcType,
				DstType:              dstType,
				SrcRandomSizeMB:      job.RandomChunkSizeMB,
				SrcObjectStoreBucket: job.SourceBucket,
				DstObjectStoreBucket: job.DestBucket,
			}
		}
		out[i] = reqs
	}
	return out
}

// dispatch is step S6: zip batches with the source-instance list in
// topology order and POST each batch to its gateway in parallel.
func (p *Planner) dispatch(ctx context.Context, sources []topology.Gateway, bound map[topology.Gateway]compute.Server, batches [][]chunk.ChunkRequest) error {
	n := len(sources)
	if len(batches) < n {
		n = len(batches)
	}

	type job struct {
		server compute.Server
		batch  []chunk.ChunkRequest
	}
	var jobs []job
	for i := 0; i < n; i++ {
		server, ok := bound[sources[i]]
		if !ok {
			return &skyerr.ConfigurationError{Reason: fmt.Sprintf("source instance %v is not bound", sources[i])}
		}
		jobs = append(jobs, job{server: server, batch: batches[i]})
	}

	return fanout.ParallelVoid(ctx, jobs, 0, func(ctx context.Context, j job) error {
		if len(j.batch) == 0 {
			return nil
		}
		client := gatewayapi.New(j.server.GatewayAPIURL())
		return client.PostChunkRequests(ctx, j.server.InstanceName(), j.batch)
	})
}
