package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/processor"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/airbusgeo/geocube/interface/messaging/pgqueue"
	"github.com/airbusgeo/geocube/interface/messaging/pubsub"
	"go.uber.org/zap"

	_ "github.com/airbusgeo/geocube-featuremap/features/landcover"
)

type config struct {
	WorkingDir string
	StorageURI string

	PgqDbConnection string
	PsProject       string
	JobQueue        string
	EventQueue      string
	MaxTries        int

	GCSBlockSize       string
	GCSNumCachedBlocks int

	GeocubeServer         string
	GeocubeServerInsecure bool
	GeocubeServerApiKey   string
}

func newAppConfig() (*config, error) {
	config := config{}
	// Global config
	flag.StringVar(&config.WorkingDir, "workdir", "/local-ssd", "working directory to store intermediate results")
	flag.StringVar(&config.StorageURI, "storage-uri", "", "storage uri (currently supported: local, gs). To store the chunks and the feature maps.")

	// Messaging
	flag.StringVar(&config.PgqDbConnection, "pgq-connection", "", "enable pgq messaging system with a connection to the database")
	flag.StringVar(&config.PsProject, "ps-project", "", "pubsub subscription project (gcp only/not required in local usage)")
	flag.StringVar(&config.JobQueue, "job-queue", "", "name of the queue for chunk and assemble jobs (pgqueue or pubsub subscription)")
	flag.StringVar(&config.EventQueue, "event-queue", "", "name of the queue for job events (pgqueue or pubsub topic)")
	flag.IntVar(&config.MaxTries, "max-tries", 15, "max number of tries of a job (must be less than the configured number of tries of the queue)")

	// Remote rasters
	flag.StringVar(&config.GCSBlockSize, "gcs-block-size", "1Mb", "block size of the gs:// reader")
	flag.IntVar(&config.GCSNumCachedBlocks, "gcs-cached-blocks", 500, "number of blocks cached by the gs:// reader")

	// Geocube connection
	flag.StringVar(&config.GeocubeServer, "geocube-server", "", "address of geocube server (optional, to index the feature maps)")
	flag.BoolVar(&config.GeocubeServerInsecure, "geocube-insecure", false, "connection to geocube server is insecure")
	flag.StringVar(&config.GeocubeServerApiKey, "geocube-apikey", "", "geocube server api key")
	flag.Parse()

	if config.WorkingDir == "" {
		return nil, fmt.Errorf("missing workdir config flag")
	}
	if config.StorageURI == "" {
		return nil, fmt.Errorf("wrong storage-uri config flag")
	}
	if config.MaxTries <= 0 {
		return nil, fmt.Errorf("max-tries must be positive")
	}
	return &config, nil
}

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}

	var eventPublisher messaging.Publisher
	var jobConsumer messaging.Consumer
	var logMessaging string
	{
		if config.PgqDbConnection != "" {
			db, w, err := pgqueue.SqlConnect(ctx, config.PgqDbConnection)
			if err != nil {
				return fmt.Errorf("MessagingService: %w", err)
			}
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pulling on pgqueue:%s", config.JobQueue)
				consumer := pgqueue.NewConsumer(db, config.JobQueue)
				defer consumer.Stop()
				jobConsumer = consumer
			}
			if config.EventQueue != "" {
				logMessaging += fmt.Sprintf(" pushing on pgqueue:%s", config.EventQueue)
				eventPublisher = pgqueue.NewPublisher(w, config.EventQueue, pgqueue.WithMaxRetries(5))
			}
		} else if config.PsProject != "" {
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pulling on %s/%s", config.PsProject, config.JobQueue)
				if jobConsumer, err = pubsub.NewConsumer(config.PsProject, config.JobQueue); err != nil {
					return fmt.Errorf("pubsub.NewConsumer: %w", err)
				}
			}
			if config.EventQueue != "" {
				logMessaging += fmt.Sprintf(" pushing on %s/%s", config.PsProject, config.EventQueue)
				eventTopic, err := pubsub.NewPublisher(ctx, config.PsProject, config.EventQueue, pubsub.WithMaxRetries(5))
				if err != nil {
					return fmt.Errorf("messaging.NewPublisher: %w", err)
				}
				defer eventTopic.Stop()
				eventPublisher = eventTopic
			}
		}
	}
	if jobConsumer == nil {
		return fmt.Errorf("missing configuration for messaging.JobConsumer")
	}
	if eventPublisher == nil {
		return fmt.Errorf("missing configuration for messaging.EventPublisher")
	}

	storageService, err := service.NewStorageStrategy(ctx, config.StorageURI)
	if err != nil {
		return fmt.Errorf("storage[%s].%w", config.StorageURI, err)
	}
	if err := raster.RegisterGCS(ctx, config.GCSBlockSize, config.GCSNumCachedBlocks); err != nil {
		log.Logger(ctx).Warn("gs:// rasters are not readable", zap.Error(err))
		raster.RegisterDrivers()
	}

	p := processor.Processor{Storage: storageService, WorkDir: config.WorkingDir}

	// Geocube client
	if config.GeocubeServer != "" {
		var tlsConfig *tls.Config
		if !config.GeocubeServerInsecure {
			tlsConfig = &tls.Config{}
		}
		if p.Geocube, err = service.NewGeocubeClient(ctx, config.GeocubeServer, config.GeocubeServerApiKey, tlsConfig); err != nil {
			return err
		}
	} else {
		log.Logger(ctx).Warn("Geocube server is not configured. The feature maps will not be indexed.")
	}

	jobStarted := time.Time{}
	go func() {
		http.HandleFunc("/termination_cost", func(w http.ResponseWriter, r *http.Request) {
			terminationCost := 0
			if jobStarted != (time.Time{}) {
				terminationCost = int(time.Since(jobStarted).Seconds() * 1000) //milliseconds since task was leased
			}
			fmt.Fprintf(w, "%d", terminationCost)
		})
		http.ListenAndServe(":9000", nil)
	}()

	log.Logger(ctx).Debug("worker starts" + logMessaging)
	for {
		err := jobConsumer.Pull(ctx, func(ctx context.Context, msg *messaging.Message) (err error) {
			jobStarted = time.Now()
			defer func() {
				jobStarted = time.Time{}
			}()
			ctx = log.With(ctx, "msgID", msg.ID)
			log.Logger(log.With(ctx, "body", string(msg.Data))).Sugar().Debugf("message %s try %d", msg.ID, msg.TryCount)

			job := common.Job{}
			if err := json.Unmarshal(msg.Data, &job); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			res, err := result(job)
			if err != nil {
				return err
			}

			defer func() {
				if err != nil && service.Temporary(err) {
					log.Logger(ctx).Warn("job temporary failure", zap.Error(err))
					return
				}
				if err != nil {
					log.Logger(ctx).Warn("job failed", zap.Error(err))
					res.Message = err.Error()
				}
				resb, e := json.Marshal(res)
				if e != nil {
					err = service.MakeTemporary(fmt.Errorf("marshal: %w", e))
				} else if e := eventPublisher.Publish(ctx, resb); e != nil {
					err = service.MakeTemporary(fmt.Errorf("failed to enqueue result: %w", e))
				}
			}()
			if msg.TryCount > config.MaxTries {
				return fmt.Errorf("too many retries")
			}

			if err = process(ctx, &p, job); err != nil {
				if msg.TryCount >= config.MaxTries {
					return fmt.Errorf("too many retries: %w", err)
				}
				if service.Fatal(err) {
					res.Status = common.StatusFAILED
				}
				return err
			}
			res.Status = common.StatusDONE
			return
		})
		if err != nil {
			return fmt.Errorf("ps.process: %w", err)
		}
	}
}

// result returns the RETRY result of the job, to be updated with its final status
func result(job common.Job) (common.Result, error) {
	switch job.Type {
	case common.JobTypeChunk:
		if job.Chunk == nil || job.Chunk.RunID == "" || job.Chunk.Tile == "" {
			return common.Result{}, fmt.Errorf("invalid payload: incomplete chunk job")
		}
		return common.Result{Type: common.ResultTypeChunk, RunID: job.Chunk.RunID, Tile: job.Chunk.Tile, Index: job.Chunk.Index, Status: common.StatusRETRY}, nil
	case common.JobTypeAssemble:
		if job.Assemble == nil || job.Assemble.RunID == "" {
			return common.Result{}, fmt.Errorf("invalid payload: incomplete assemble job")
		}
		return common.Result{Type: common.ResultTypeAssemble, RunID: job.Assemble.RunID, Status: common.StatusRETRY}, nil
	}
	return common.Result{}, fmt.Errorf("invalid payload: unknown job type %s", job.Type)
}

func process(ctx context.Context, p *processor.Processor, job common.Job) error {
	switch job.Type {
	case common.JobTypeChunk:
		res, err := p.ProcessChunk(ctx, *job.Chunk)
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("successfully processed chunk %s_%d of run %s (skipped: %v)", job.Chunk.Tile, job.Chunk.Index, job.Chunk.RunID, res.Skipped)
	case common.JobTypeAssemble:
		res, err := p.AssembleTile(ctx, *job.Assemble)
		if err != nil {
			return err
		}
		log.Logger(ctx).Sugar().Infof("successfully assembled %d chunks of run %s into %s", res.Chunks, job.Assemble.RunID, res.URI)
	}
	return nil
}
