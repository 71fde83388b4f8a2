// Package ptmarkets is the REST client for the fixed-yield protocol's
// hosted markets API, which lists the principal-token markets the vault can
// roll into.
package ptmarkets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/termfi/termvault/internal/domain"
)

// pageSize is how many markets one listing request asks for.
const pageSize = 100

// Client is the REST client for the markets API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a markets API client.
//
// baseURL is the API root, e.g. "https://api.termfi.xyz".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Markets returns one page of the market listing.
func (c *Client) Markets(ctx context.Context, limit, offset int) ([]domain.PTMarket, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	path := "/v1/markets?" + params.Encode()

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ptmarkets: get markets: %w", err)
	}

	var resp marketsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ptmarkets: decode markets: %w", err)
	}

	markets := make([]domain.PTMarket, 0, len(resp.Markets))
	for i := range resp.Markets {
		markets = append(markets, resp.Markets[i].ToDomainMarket())
	}

	return markets, nil
}

// Market returns a single market by its contract address.
func (c *Client) Market(ctx context.Context, address string) (domain.PTMarket, error) {
	path := fmt.Sprintf("/v1/markets/%s", url.PathEscape(address))

	body, err := c.doGet(ctx, path)
	if err != nil {
		return domain.PTMarket{}, fmt.Errorf("ptmarkets: get market %s: %w", address, err)
	}

	var apiMarket APIMarket
	if err := json.Unmarshal(body, &apiMarket); err != nil {
		return domain.PTMarket{}, fmt.Errorf("ptmarkets: decode market: %w", err)
	}

	return apiMarket.ToDomainMarket(), nil
}

// ActiveMarkets pages through the full listing and returns every market the
// protocol still flags active. This is the candidate set handed to the
// maturity selector before a rollover.
func (c *Client) ActiveMarkets(ctx context.Context) ([]domain.PTMarket, error) {
	var active []domain.PTMarket

	for offset := 0; ; offset += pageSize {
		page, err := c.Markets(ctx, pageSize, offset)
		if err != nil {
			return nil, err
		}
		for i := range page {
			if page[i].Active {
				active = append(active, page[i])
			}
		}
		if len(page) < pageSize {
			break
		}
	}

	return active, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the markets API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// checkHTTPStatus maps non-2xx responses onto the domain error sentinels.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
