package chain

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// shieldClient reads the neuron view through the DDoS-shield proxy. The
// shield serves the current view only; it is not block addressed.
type shieldClient struct {
	baseURL string
	http    *http.Client
}

func newShieldClient(baseURL string) *shieldClient {
	return &shieldClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *shieldClient) Neurons(ctx context.Context) ([]Neuron, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/neurons", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "shield request failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close shield response body")
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("shield returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read shield response")
	}
	var neurons []Neuron
	if err := json.Unmarshal(body, &neurons); err != nil {
		return nil, errors.Wrap(err, "could not parse shield response")
	}
	return neurons, nil
}
