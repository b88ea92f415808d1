package repair

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/downstairs/pkg/region"
)

// HTTPSource fetches extents from a peer's repair API.
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSource creates a source for the repair API at baseURL, for example
// "http://10.0.0.5:4567". A zero timeout disables the per-request timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) String() string {
	return s.baseURL
}

// get issues a GET and returns the response when the status is 200.
func (s *HTTPSource) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var p problem
		if json.NewDecoder(resp.Body).Decode(&p) == nil && p.Detail != "" {
			return nil, fmt.Errorf("GET %s: %s (status %d)", path, p.Detail, resp.StatusCode)
		}
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return resp, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, path string, result any) error {
	resp, err := s.get(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// Health checks that the peer is serving.
func (s *HTTPSource) Health(ctx context.Context) error {
	var h healthResponse
	return s.getJSON(ctx, "/health", &h)
}

func (s *HTTPSource) Definition(ctx context.Context) (region.Definition, error) {
	var def region.Definition
	err := s.getJSON(ctx, "/region", &def)
	return def, err
}

// ExtentInfos returns the metadata of every extent of the peer region.
func (s *HTTPSource) ExtentInfos(ctx context.Context) ([]region.ExtentInfo, error) {
	var infos []region.ExtentInfo
	err := s.getJSON(ctx, "/extents", &infos)
	return infos, err
}

// ExtentInfo returns the metadata and checksum of one peer extent.
func (s *HTTPSource) ExtentInfo(ctx context.Context, i int) (region.ExtentInfo, []byte, error) {
	var rep extentReport
	if err := s.getJSON(ctx, "/extent/"+strconv.Itoa(i), &rep); err != nil {
		return region.ExtentInfo{}, nil, err
	}
	sum, err := hex.DecodeString(rep.Checksum)
	if err != nil {
		return region.ExtentInfo{}, nil, fmt.Errorf("bad checksum %q: %w", rep.Checksum, err)
	}
	return rep.ExtentInfo, sum, nil
}

// StreamExtent copies the peer's extent data to w. Metadata and checksum
// arrive as HTTP trailers once the body is drained.
func (s *HTTPSource) StreamExtent(ctx context.Context, i int, w io.Writer) (region.ExtentInfo, []byte, error) {
	resp, err := s.get(ctx, "/extent/"+strconv.Itoa(i)+"/data")
	if err != nil {
		return region.ExtentInfo{}, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return region.ExtentInfo{}, nil, fmt.Errorf("stream extent %d: %w", i, err)
	}

	info, sum, err := parseTrailer(resp.Trailer)
	if err != nil {
		return region.ExtentInfo{}, nil, fmt.Errorf("extent %d: %w", i, err)
	}
	info.Number = i
	return info, sum, nil
}

func parseTrailer(h http.Header) (region.ExtentInfo, []byte, error) {
	var info region.ExtentInfo

	raw := h.Get(HeaderChecksum)
	if raw == "" {
		return info, nil, fmt.Errorf("missing %s trailer", HeaderChecksum)
	}
	sum, err := hex.DecodeString(raw)
	if err != nil {
		return info, nil, fmt.Errorf("bad %s trailer: %w", HeaderChecksum, err)
	}

	if info.Generation, err = strconv.ParseUint(h.Get(HeaderGeneration), 10, 64); err != nil {
		return info, nil, fmt.Errorf("bad %s trailer: %w", HeaderGeneration, err)
	}
	if info.FlushNumber, err = strconv.ParseUint(h.Get(HeaderFlushNumber), 10, 64); err != nil {
		return info, nil, fmt.Errorf("bad %s trailer: %w", HeaderFlushNumber, err)
	}
	if info.DirtyBlocks, err = strconv.ParseUint(h.Get(HeaderDirtyBlocks), 10, 64); err != nil {
		return info, nil, fmt.Errorf("bad %s trailer: %w", HeaderDirtyBlocks, err)
	}
	info.Dirty = info.DirtyBlocks > 0
	return info, sum, nil
}
