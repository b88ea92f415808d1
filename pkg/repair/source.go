package repair

import (
	"context"
	"io"

	"github.com/marmos91/downstairs/pkg/region"
)

// Source provides the authoritative contents of an extent.
type Source interface {
	// String describes the source for logs and the repair record.
	String() string

	// Definition returns the geometry of the source region.
	Definition(ctx context.Context) (region.Definition, error)

	// StreamExtent writes the full data of extent i to w and returns the
	// extent's metadata and xxh3-128 checksum, taken consistently with the
	// data.
	StreamExtent(ctx context.Context, i int, w io.Writer) (region.ExtentInfo, []byte, error)
}

// RegionSource serves repairs from a region opened in this process, such as
// a peer replica on the same host.
type RegionSource struct {
	Region *region.Region
}

// NewRegionSource wraps r as a repair source. r must not be the region
// being repaired.
func NewRegionSource(r *region.Region) *RegionSource {
	return &RegionSource{Region: r}
}

func (s *RegionSource) String() string {
	return "region:" + s.Region.Dir()
}

func (s *RegionSource) Definition(context.Context) (region.Definition, error) {
	return s.Region.Def(), nil
}

func (s *RegionSource) StreamExtent(ctx context.Context, i int, w io.Writer) (region.ExtentInfo, []byte, error) {
	return s.Region.ExtentData(ctx, i, w)
}
