package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/interface/database/pg"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/airbusgeo/geocube-featuremap/workflow"
	"github.com/airbusgeo/geocube/interface/messaging"
	"github.com/airbusgeo/geocube/interface/messaging/pgqueue"
	"github.com/airbusgeo/geocube/interface/messaging/pubsub"
	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

type config struct {
	AppPort         string
	DbConnection    string
	PgqDbConnection string
	PsProject       string
	EventQueue      string
	JobQueue        string
	MaxTries        int
}

func newAppConfig() (*config, error) {
	appPort := flag.String("port", "8080", "dispatcher port to use")
	dbConnection := flag.String("dbConnection", "", "database connection")
	pgqDbConnection := flag.String("pgq-connection", "", "enable pgq messaging system with a connection to the database")
	psProject := flag.String("ps-project", "", "pubsub project (gcp only/not required in local usage)")
	eventQueue := flag.String("event-queue", "", "name of the queue for job events (pgqueue or pubsub subscription)")
	jobQueue := flag.String("job-queue", "", "name of the queue for chunk and assemble jobs (pgqueue or pubsub topic)")
	maxTries := flag.Int("max-tries", 30, "max number of tries of an event")
	flag.Parse()

	if *appPort == "" {
		return nil, fmt.Errorf("failed to initialize port application flag")
	}
	if *dbConnection == "" {
		return nil, fmt.Errorf("missing dbConnection config flag")
	}
	return &config{
		AppPort:         *appPort,
		DbConnection:    *dbConnection,
		PgqDbConnection: *pgqDbConnection,
		PsProject:       *psProject,
		EventQueue:      *eventQueue,
		JobQueue:        *jobQueue,
		MaxTries:        *maxTries,
	}, nil
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

	// Connection to database
	db, err := pg.New(ctx, config.DbConnection)
	if err != nil {
		return fmt.Errorf("pg.New: %w", err)
	}

	// Messaging service
	var jobPublisher messaging.Publisher
	var eventConsumer messaging.Consumer
	var logMessaging string
	{
		if config.PgqDbConnection != "" {
			pgqdb, w, err := pgqueue.SqlConnect(ctx, config.PgqDbConnection)
			if err != nil {
				return fmt.Errorf("MessagingService: %w", err)
			}
			if config.EventQueue != "" {
				logMessaging += fmt.Sprintf(" pulling on pgqueue:%s", config.EventQueue)
				consumer := pgqueue.NewConsumer(pgqdb, config.EventQueue)
				defer consumer.Stop()
				eventConsumer = consumer
			}
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pushing jobs on pgqueue:%s", config.JobQueue)
				jobPublisher = pgqueue.NewPublisher(w, config.JobQueue, pgqueue.WithMaxRetries(5))
			}
		} else {
			// Connection to pubsub
			if config.EventQueue != "" {
				logMessaging += fmt.Sprintf(" pulling on %s/%s", config.PsProject, config.EventQueue)
				if eventConsumer, err = pubsub.NewConsumer(config.PsProject, config.EventQueue); err != nil {
					return fmt.Errorf("pubsub.new: %w", err)
				}
			}
			if config.JobQueue != "" {
				logMessaging += fmt.Sprintf(" pushing jobs on %s/%s", config.PsProject, config.JobQueue)
				publisher, err := pubsub.NewPublisher(ctx, config.PsProject, config.JobQueue)
				if err != nil {
					return fmt.Errorf("pubsub.NewPublisher(Jobs): %w", err)
				}
				defer publisher.Stop()
				jobPublisher = publisher
			}
		}
	}
	if eventConsumer == nil {
		return fmt.Errorf("missing configuration for messaging.EventConsumer")
	}
	if jobPublisher == nil {
		return fmt.Errorf("missing configuration for messaging.JobPublisher")
	}

	// The tiles are described from the reference rasters of the layouts
	raster.RegisterDrivers()

	// Create Workflow Server
	wf := workflow.NewWorkflow(db, jobPublisher, workflow.LayoutTile)
	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	s := http.Server{
		Addr:    ":" + config.AppPort,
		Handler: handlers.CORS(originsOk, headersOk, methodsOk)(wf.NewHandler()),
	}
	go func() {
		if err := s.ListenAndServe(); err != nil {
			log.Logger(ctx).Error(err.Error())
		}
	}()

	log.Logger(ctx).Debug("dispatcher starts" + logMessaging)
	for {
		err := eventConsumer.Pull(ctx, func(ctx context.Context, msg *messaging.Message) error {
			ctx = log.With(ctx, "msgID", msg.ID)
			log.Logger(log.With(ctx, "body", string(msg.Data))).Sugar().Debugf("message %s try %d", msg.ID, msg.TryCount)
			if msg.TryCount > config.MaxTries {
				return fmt.Errorf("bailing out after too many retries")
			}
			result := common.Result{}
			if err := json.Unmarshal(msg.Data, &result); err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			} else if (result.Type != common.ResultTypeChunk && result.Type != common.ResultTypeAssemble) || result.RunID == "" {
				return fmt.Errorf("invalid payload %s %s", result.Type, result.RunID)
			}
			if err := wf.ResultHandler(ctx, result); err != nil {
				return service.MakeTemporary(fmt.Errorf("failed to process %s of run %s: %w", result.Type, result.RunID, err))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("ps.process: %w", err)
		}
	}
}
