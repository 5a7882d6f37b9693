package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/airbusgeo/geocube-featuremap/service/log"
	geocube "github.com/airbusgeo/geocube-client-go/client"
	"google.golang.org/grpc/credentials"
)

// NewGeocubeClient connects to the Geocube and returns a client
func NewGeocubeClient(ctx context.Context, geocubeServer, apikey string, tlsConfig *tls.Config) (*geocube.Client, error) {
	if geocubeServer == "" {
		return nil, fmt.Errorf("GeocubeServer undefined")
	}

	var creds credentials.TransportCredentials
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	connector := geocube.ClientConnector{Connector: geocube.Connector{Server: geocubeServer, Creds: creds, ApiKey: apikey}}
	gcclient, err := connector.Dial()
	if err != nil {
		return nil, fmt.Errorf("NewGeocubeClient.Dial: %w", err)
	}
	version, err := gcclient.ServerVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGeocubeClient.Version: %w", err)
	}
	log.Logger(ctx).Debug("Connected to Geocube Server " + version)

	return &gcclient, nil
}

// Retriable calls f until it succeeds, returns a fatal error or n tries are done.
// The waiting time is doubled after each try.
func Retriable(ctx context.Context, f func() error, wait time.Duration, n int) error {
	var err error
	for i := 0; i < n; i++ {
		if err = f(); err == nil || Fatal(err) {
			return err
		}
		if i == n-1 {
			break
		}
		log.Logger(ctx).Sugar().Debugf("try %d/%d failed: %v", i+1, n, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

// Getenv returns the value of the environment variable or def if not set
func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// StringSet is a set of strings (all elements are unique)
type StringSet map[string]struct{}

// Push adds the string to the set if not already exists
func (ss StringSet) Push(s string) {
	ss[s] = struct{}{}
}

// Pop removes the string from the set
func (ss StringSet) Pop(s string) {
	delete(ss, s)
}

// Slice returns a sorted slice from the set
func (ss StringSet) Slice() []string {
	sl := make([]string, 0, len(ss))
	for k := range ss {
		sl = append(sl, k)
	}
	sort.Strings(sl)
	return sl
}

// Exists returns true if the string already exists in the Set
func (ss StringSet) Exists(s string) bool {
	_, ok := ss[s]
	return ok
}
