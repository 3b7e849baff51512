package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/adapters/security"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/contracts"
	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

type HTTPFetcherConfig struct {
	EntityType domain.EntityType
	BaseURL    string
	Timeout    time.Duration
	Signer     *security.TokenSigner
	HTTPClient *http.Client
}

// HTTPFetcher reads canonical records from the owner service's internal
// read API.
type HTTPFetcher struct {
	entity     domain.EntityType
	baseURL    string
	collection string
	signer     *security.TokenSigner
	httpClient *http.Client
}

func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: %s source requires a base url", domain.ErrInvalidInput, cfg.EntityType)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("%w: %s source url: %v", domain.ErrInvalidInput, cfg.EntityType, err)
	}
	if _, err := domain.ParseEntityType(string(cfg.EntityType)); err != nil {
		return nil, err
	}
	collection := contracts.Collection(cfg.EntityType)
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPFetcher{
		entity:     cfg.EntityType,
		baseURL:    base,
		collection: collection,
		signer:     cfg.Signer,
		httpClient: httpClient,
	}, nil
}

func (f *HTTPFetcher) EntityType() domain.EntityType { return f.entity }

func (f *HTTPFetcher) Name() string { return string(f.entity) + "-source" }

// Fetch returns the current record. Soft-deleted records are reported as
// domain.ErrNotFoundAtSource.
func (f *HTTPFetcher) Fetch(ctx context.Context, id string) (domain.Snapshot, error) {
	endpoint := f.baseURL + "/v1/internal/" + f.collection + "/" + url.PathEscape(id)
	snap, err := f.decodeRecord(ctx, endpoint)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if snap.IsDeleted() {
		return domain.Snapshot{}, fmt.Errorf("%w: %s %s deleted", domain.ErrNotFoundAtSource, f.entity, id)
	}
	return snap, nil
}

func (f *HTTPFetcher) List(ctx context.Context, afterID string, limit int) ([]domain.Snapshot, error) {
	q := url.Values{}
	q.Set("after", afterID)
	q.Set("limit", strconv.Itoa(limit))
	body, err := f.get(ctx, f.baseURL+"/v1/internal/"+f.collection+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	out := make([]domain.Snapshot, 0, limit)
	switch f.entity {
	case domain.EntityCity:
		var env contracts.SourceEnvelope[contracts.SourcePage[contracts.CityRecord]]
		if err := decode(body, &env); err != nil {
			return nil, err
		}
		for _, rec := range env.Data.Items {
			out = append(out, rec.Snapshot())
		}
	case domain.EntityCoworking:
		var env contracts.SourceEnvelope[contracts.SourcePage[contracts.CoworkingRecord]]
		if err := decode(body, &env); err != nil {
			return nil, err
		}
		for _, rec := range env.Data.Items {
			out = append(out, rec.Snapshot())
		}
	case domain.EntityUser:
		var env contracts.SourceEnvelope[contracts.SourcePage[contracts.UserRecord]]
		if err := decode(body, &env); err != nil {
			return nil, err
		}
		for _, rec := range env.Data.Items {
			out = append(out, rec.Snapshot())
		}
	}
	return out, nil
}

func (f *HTTPFetcher) Count(ctx context.Context) (int64, error) {
	body, err := f.get(ctx, f.baseURL+"/v1/internal/"+f.collection+"/count")
	if err != nil {
		return 0, err
	}
	defer body.Close()
	var env contracts.SourceEnvelope[contracts.SourceCount]
	if err := decode(body, &env); err != nil {
		return 0, err
	}
	return env.Data.Count, nil
}

func (f *HTTPFetcher) Ping(ctx context.Context) error {
	body, err := f.get(ctx, f.baseURL+"/healthz")
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

func (f *HTTPFetcher) decodeRecord(ctx context.Context, endpoint string) (domain.Snapshot, error) {
	body, err := f.get(ctx, endpoint)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer body.Close()
	switch f.entity {
	case domain.EntityCity:
		var env contracts.SourceEnvelope[contracts.CityRecord]
		if err := decode(body, &env); err != nil {
			return domain.Snapshot{}, err
		}
		return env.Data.Snapshot(), nil
	case domain.EntityCoworking:
		var env contracts.SourceEnvelope[contracts.CoworkingRecord]
		if err := decode(body, &env); err != nil {
			return domain.Snapshot{}, err
		}
		return env.Data.Snapshot(), nil
	default:
		var env contracts.SourceEnvelope[contracts.UserRecord]
		if err := decode(body, &env); err != nil {
			return domain.Snapshot{}, err
		}
		return env.Data.Snapshot(), nil
	}
}

// get performs an authenticated GET and maps the status onto the error
// taxonomy. The caller closes the returned body.
func (f *HTTPFetcher) get(ctx context.Context, endpoint string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")
	if f.signer != nil {
		token, err := f.signer.Sign()
		if err != nil {
			return nil, fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: GET %s: %v", domain.ErrTransientFetch, endpoint, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: GET %s", domain.ErrNotFoundAtSource, endpoint)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: GET %s: status %d", domain.ErrTransientFetch, endpoint, resp.StatusCode)
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("%w: GET %s: status %d", domain.ErrInvalidInput, endpoint, resp.StatusCode)
	}
}

func decode(body io.Reader, v any) error {
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode source response: %v", domain.ErrTransientFetch, err)
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
