package processor

import (
	"context"
	"fmt"
	"time"

	geocube "github.com/airbusgeo/geocube-client-go/client"
	geocubepb "github.com/airbusgeo/geocube-client-go/pb"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/graph"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"google.golang.org/grpc/codes"
)

// dataset to be indexed in the Geocube
type dataset struct {
	uri        string
	instanceID string
	nbands     int
	dtype      graph.DType
	nodata     float64
	min, max   float64
	extMin     float64
	extMax     float64
	exponent   float64
}

func dataFormat(d dataset) (geocube.DataFormat, error) {
	dformat := geocube.DataFormat{
		NoData:   d.nodata,
		MinValue: d.min,
		MaxValue: d.max,
	}
	switch d.dtype {
	default:
		return dformat, fmt.Errorf("dataFormat: dtype '%v' not supported", d.dtype)
	case graph.UInt8:
		dformat.Dtype = geocubepb.DataFormat_UInt8
	case graph.UInt16:
		dformat.Dtype = geocubepb.DataFormat_UInt16
	case graph.UInt32:
		dformat.Dtype = geocubepb.DataFormat_UInt32
	case graph.Int16:
		dformat.Dtype = geocubepb.DataFormat_Int16
	case graph.Int32:
		dformat.Dtype = geocubepb.DataFormat_Int32
	case graph.Float32:
		dformat.Dtype = geocubepb.DataFormat_Float32
	case graph.Float64:
		dformat.Dtype = geocubepb.DataFormat_Float64
	}
	return dformat, nil
}

// index indexes the datasets in the record of the Geocube and updates its processing date
func (p *Processor) index(ctx context.Context, recordID string, datasets []dataset) error {
	if len(datasets) == 0 {
		return nil
	}
	if err := service.Retriable(ctx, func() error {
		for _, d := range datasets {
			dformat, err := dataFormat(d)
			if err != nil {
				return service.MakeFatal(err)
			}
			var bands []int64
			for b := 1; b <= d.nbands; b++ {
				bands = append(bands, int64(b))
			}
			log.Logger(ctx).Sugar().Infof("index %s", d.uri)
			if err := p.Geocube.IndexDataset(ctx, d.uri, true, "", recordID, d.instanceID, bands, &dformat, d.extMin, d.extMax, d.exponent); err != nil {
				if geocube.Code(err) == codes.AlreadyExists {
					log.Logger(ctx).Sugar().Warnf("dataset %s already exists: %v", d.uri, err)
				} else {
					return err
				}
			}
		}
		return nil
	}, 15*time.Second, 3); err != nil {
		return fmt.Errorf("index: %w (after 3 retries)", err)
	}

	// Errors are not fatal
	if _, err := p.Geocube.AddRecordsTags(ctx, []string{recordID}, map[string]string{common.MetadataProcessingDate: time.Now().Format("2006-01-02 15:04:05")}); err != nil {
		log.Logger(ctx).Sugar().Warnf("AddRecordsTags[%s] fails: %v", recordID, err)
	}
	return nil
}
