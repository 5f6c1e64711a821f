// Command skyplane-agent is the entry point that wires flags, a job
// description, and a topology into the Client Container and runs one
// replication to completion (or, with -cron, registers it as a
// recurring schedule and serves until interrupted). Grounded on the
// teacher's cmd/server/main.go: read configuration from the
// environment/flags, build the dependency graph once, then hand off to
// a single long-lived driver.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"skyplane-ctl/pkg/chunk"
	"skyplane-ctl/pkg/client"
	"skyplane-ctl/pkg/cloudconfig"
	"skyplane-ctl/pkg/monitor"
	"skyplane-ctl/pkg/objectstore"
	"skyplane-ctl/pkg/provision"
	"skyplane-ctl/pkg/region"
	"skyplane-ctl/pkg/schedule"
	"skyplane-ctl/pkg/state"
	"skyplane-ctl/pkg/statusapi"
	"skyplane-ctl/pkg/topology"
)

func main() {
	jobPath := flag.String("job", "", "path to a JSON-encoded ReplicationJob")
	topoPath := flag.String("topology", "", "path to a JSON-encoded Topology description")
	baseDir := flag.String("base-dir", "./skyplane-runs", "root directory for transfer_logs/")
	dockerImage := flag.String("docker-image", "skyplane/gateway:latest", "gateway container image")
	reuse := flag.Bool("reuse", false, "reuse matching running instances instead of provisioning new ones")
	useBBR := flag.Bool("bbr", true, "enable TCP BBR on gateways")
	useCompression := flag.Bool("compression", true, "enable gateway compression")
	sshPubKey := flag.String("ssh-pub-key", "", "path to an SSH public key to install on gateways")
	showSpinner := flag.Bool("spinner", false, "show a live progress spinner instead of periodic log lines")
	logIntervalS := flag.Float64("log-interval", 5, "seconds between progress log lines")
	timeLimitS := flag.Float64("time-limit", 0, "abort the transfer after this many seconds (0 = no limit)")
	multipart := flag.Bool("multipart", false, "finalize multipart uploads on completion")
	statusAddr := flag.String("status-addr", "", "address to serve the introspection API on (empty disables it)")
	cronExpr := flag.String("cron", "", "if set, run this job repeatedly on this cron expression instead of once")
	dbDriver := flag.String("db-driver", "", "state persistence driver (empty = file-backed, \"postgres\" = DB-backed)")
	dbConn := flag.String("db-conn", "", "connection string for -db-driver=postgres")
	flag.Parse()

	if *jobPath == "" || *topoPath == "" {
		log.Fatal("-job and -topology are both required")
	}

	job, err := loadJob(*jobPath)
	if err != nil {
		log.Fatalf("load job: %v", err)
	}
	topo, err := loadTopology(*topoPath)
	if err != nil {
		log.Fatalf("load topology: %v", err)
	}

	ctx := context.Background()

	providers, err := cloudconfig.LoadProviders(ctx, cloudconfig.Config{})
	if err != nil {
		log.Fatalf("load cloud providers: %v", err)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load AWS config for object store client: %v", err)
	}
	store := objectstore.New(s3.NewFromConfig(awsCfg))

	stateStore, err := loadStateManager(*dbDriver, *dbConn, *baseDir)
	if err != nil {
		log.Fatalf("load state manager: %v", err)
	}

	var reporter *statusapi.Reporter
	if *statusAddr != "" {
		reporter = statusapi.NewReporter()
		go func() {
			router := statusapi.NewRouter(reporter)
			if err := router.Run(*statusAddr); err != nil {
				log.Printf("status API server stopped: %v", err)
			}
		}()
	}

	provCfg := provision.Config{
		InstanceClass: map[region.Provider]string{
			region.AWS:   "m5.4xlarge",
			region.GCP:   "n2-standard-16",
			region.Azure: "Standard_D16_v5",
		},
		DockerImage: *dockerImage,
	}

	c := client.New(providers, provCfg, store, stateStore, reporter, *baseDir)

	opts := client.RunOptions{
		Provision: provision.Options{
			Reuse:          *reuse,
			SSHPubKeyPath:  *sshPubKey,
			UseBBR:         *useBBR,
			UseCompression: *useCompression,
		},
		Monitor: monitor.Options{
			ShowSpinner:        *showSpinner,
			LogIntervalS:       *logIntervalS,
			CleanupGateway:     true,
			SaveLog:            true,
			WriteProfile:       true,
			WriteSocketProfile: false,
			CopyGatewayLogs:    true,
			Multipart:          *multipart,
		},
	}
	if *timeLimitS > 0 {
		opts.Monitor.TimeLimitSeconds = timeLimitS
	}

	if *cronExpr == "" {
		result, err := c.RunJob(ctx, fmt.Sprintf("run-%d", time.Now().Unix()), job, topo, opts, time.Now())
		if err != nil {
			log.Fatalf("run failed: %v", err)
		}
		fmt.Printf("transfer %s: %d/%d chunks, %.2f Gbit/s, logs in %s\n",
			result.Status.MonitorStatus, len(result.Status.CompletedChunkIDs), len(job.ChunkRequests), result.Status.ThroughputGbits, result.TransferDir)
		if result.Status.MonitorStatus != "completed" {
			os.Exit(1)
		}
		return
	}

	sched := schedule.NewScheduler(schedule.NewClientExecutor(c))
	if err := sched.AddSchedule(&schedule.Schedule{
		ID:       "cli",
		Name:     "cli-invoked schedule",
		CronExpr: *cronExpr,
		Enabled:  true,
		Job:      *job,
		Topo:     topo,
		Opts:     opts,
	}); err != nil {
		log.Fatalf("register schedule: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}
	fmt.Printf("running on schedule %q; press Ctrl-C to stop\n", *cronExpr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	_ = sched.Stop()
}

func loadJob(path string) (*chunk.ReplicationJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var job chunk.ReplicationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job: %w", err)
	}
	return &job, nil
}

// topologyFile is the on-disk shape -topology reads; topology.Topology
// itself carries no JSON tags since construction is out of scope
// (spec.md §1) for everything except this CLI's own convenience loader.
type topologyFile struct {
	Nodes   []topology.Gateway                `json:"nodes"`
	Sources []topology.Gateway                `json:"sources"`
	Sinks   []topology.Gateway                `json:"sinks"`
	Edges   []topologyEdgeFile                `json:"edges"`
}

type topologyEdgeFile struct {
	From           topology.Gateway `json:"from"`
	To             topology.Gateway `json:"to"`
	NumConnections int              `json:"num_connections"`
}

func loadTopology(path string) (*topology.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf topologyFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	edges := make(map[topology.Gateway][]topology.Edge)
	for _, e := range tf.Edges {
		edges[e.From] = append(edges[e.From], topology.Edge{Peer: e.To, NumConnections: e.NumConnections})
	}
	return topology.New(tf.Nodes, tf.Sources, tf.Sinks, edges), nil
}

func loadStateManager(driver, conn, baseDir string) (state.Manager, error) {
	if driver == "postgres" {
		if conn == "" {
			return nil, fmt.Errorf("-db-conn is required with -db-driver=postgres")
		}
		return state.NewDBManager("postgres", conn)
	}
	return state.NewFileManager(baseDir + "/runs")
}
