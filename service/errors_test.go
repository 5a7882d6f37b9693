package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/airbusgeo/geocube-featuremap/common"
	"google.golang.org/api/googleapi"
)

func TestRetriable(t *testing.T) {
	i := 0
	ctx := context.Background()
	tim := time.Now()
	err := Retriable(ctx, func() error {
		i++
		return fmt.Errorf("%d", i)
	}, time.Microsecond, 3)

	if time.Since(tim) < 3*time.Microsecond {
		t.Errorf("err: excepted at least 3µs got %v", time.Since(tim))
	}

	if err == nil {
		t.Error("err: excepted 3 got nil")
	}
	if err.Error() != "3" {
		t.Error("err: excepted 3 got " + err.Error())
	}
}

func TestRetriableStopsOnFatal(t *testing.T) {
	i := 0
	err := Retriable(context.Background(), func() error {
		i++
		return MakeFatal(fmt.Errorf("bad request"))
	}, time.Microsecond, 3)
	if i != 1 || !Fatal(err) {
		t.Errorf("a fatal error must not be retried (%d tries): %v", i, err)
	}
}

func TestPermanent(t *testing.T) {
	err := fmt.Errorf("Permanent error")
	if Temporary(err) {
		t.Fail()
	}
	err = &url.Error{Err: err}
	if Temporary(err) {
		t.Fail()
	}
	if Temporary(&googleapi.Error{Code: 404}) {
		t.Fail()
	}
}

func TestTemporary(t *testing.T) {
	err := MakeTemporary(fmt.Errorf("Temporary error"))
	if !Temporary(err) {
		t.Fail()
	}
	err = fmt.Errorf("Warp: %w", err)
	if !Temporary(err) {
		t.Fail()
	}
	if !Temporary(context.Canceled) {
		t.Fail()
	}
	if !Temporary(context.DeadlineExceeded) {
		t.Fail()
	}
	err = fmt.Errorf("Warp: %w", &url.Error{Err: err})
	if !Temporary(err) {
		t.Fail()
	}
	if !Temporary(fmt.Errorf("upload: %w", &googleapi.Error{Code: 429})) {
		t.Fail()
	}
}

func TestErrorStatus(t *testing.T) {
	if ErrorStatus(nil) != common.StatusDONE {
		t.Error("DONE expected")
	}
	if ErrorStatus(MakeTemporary(errors.New("io"))) != common.StatusRETRY {
		t.Error("RETRY expected")
	}
	if ErrorStatus(MakeFatal(MakeTemporary(errors.New("io")))) != common.StatusFAILED {
		t.Error("fatal must win over temporary")
	}
	if ErrorStatus(errors.New("unknown")) != common.StatusFAILED {
		t.Error("FAILED expected")
	}
}

func TestMergeErrors(t *testing.T) {
	tmp := MakeTemporary(errors.New("tmp"))
	fatal := errors.New("fatal")
	if err := MergeErrors(true, nil, tmp, fatal); err == nil || Temporary(err) {
		t.Errorf("priority to the fatal error expected: %v", err)
	}
	if err := MergeErrors(false, fatal, nil); err != nil {
		t.Errorf("priority to no error expected: %v", err)
	}
}
