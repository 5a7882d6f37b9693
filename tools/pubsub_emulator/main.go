package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// queues of the dispatcher and the workers: topic and subscription share the same name
var queues = []struct {
	name        string
	ackDeadline time.Duration
}{
	{"featuremap-events", 10 * time.Second},
	{"featuremap-jobs", 60 * time.Second},
}

func main() {
	ctx := context.Background()

	projectID := flag.String("project", "geocube-emulator", "emulator project")
	host := flag.String("host", "localhost:8085", "emulator host")
	flag.Parse()

	os.Setenv("PUBSUB_EMULATOR_HOST", *host)

	log.Print("New client for project " + *projectID)
	client, err := pubsub.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatalf("pubsub.NewClient: %v", err)
	}

	for _, q := range queues {
		log.Print("Create Topic : " + q.name)
		if _, err = client.CreateTopic(ctx, q.name); err != nil && status.Code(err) != codes.AlreadyExists {
			log.Fatalf("pubsub.CreateTopic: %v", err)
		}

		log.Print("Create Subscription : " + q.name)
		if _, err = client.CreateSubscription(ctx, q.name, pubsub.SubscriptionConfig{
			Topic:       client.Topic(q.name),
			AckDeadline: q.ackDeadline,
		}); err != nil && status.Code(err) != codes.AlreadyExists {
			log.Fatalf("CreateSubscription: %v", err)
		}
	}

	log.Print("Done!")
}
