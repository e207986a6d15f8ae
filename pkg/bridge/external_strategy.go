package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ExternalStrategy delegates the placement decision to a remote HTTP oracle.
// If the oracle is unreachable, times out, or returns an unusable answer, the
// fallback strategy decides instead.
type ExternalStrategy struct {
	url      string
	timeout  time.Duration
	client   *http.Client
	fallback Strategy
	logger   *logrus.Entry
}

func NewExternalStrategy(url string, timeout time.Duration, fallback Strategy) *ExternalStrategy {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &ExternalStrategy{
		url:      url,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		fallback: fallback,
		logger:   logrus.WithField("component", "external-selection"),
	}
}

type externalRequest struct {
	Candidates        []externalCandidate `json:"candidates"`
	ConferenceBridges map[string]int      `json:"conferenceBridges,omitempty"`
	ParticipantRegion string              `json:"participantRegion,omitempty"`
	OctoEnabled       bool                `json:"octoEnabled"`
}

type externalCandidate struct {
	ID      string  `json:"id"`
	Region  string  `json:"region,omitempty"`
	Version string  `json:"version,omitempty"`
	Stress  float64 `json:"stress"`
}

type externalResponse struct {
	BridgeID string `json:"bridgeId"`
}

func (s *ExternalStrategy) Select(
	candidates []Bridge,
	conferenceBridges map[ID]int,
	participantRegion string,
	octoEnabled bool,
) (Bridge, bool) {
	chosen, err := s.ask(candidates, conferenceBridges, participantRegion, octoEnabled)
	if err != nil {
		s.logger.WithError(err).Warn("oracle unavailable, using fallback strategy")
		return s.fallback.Select(candidates, conferenceBridges, participantRegion, octoEnabled)
	}
	return chosen, true
}

func (s *ExternalStrategy) ask(
	candidates []Bridge,
	conferenceBridges map[ID]int,
	participantRegion string,
	octoEnabled bool,
) (Bridge, error) {
	request := externalRequest{
		ParticipantRegion: participantRegion,
		OctoEnabled:       octoEnabled,
	}
	for _, b := range candidates {
		request.Candidates = append(request.Candidates, externalCandidate{
			ID: string(b.ID), Region: b.Region, Version: b.Version, Stress: b.Stress,
		})
	}
	if len(conferenceBridges) > 0 {
		request.ConferenceBridges = make(map[string]int, len(conferenceBridges))
		for id, count := range conferenceBridges {
			request.ConferenceBridges[string(id)] = count
		}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return Bridge{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Bridge{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return Bridge{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Bridge{}, fmt.Errorf("oracle returned status %d", res.StatusCode)
	}

	var decoded externalResponse
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return Bridge{}, err
	}

	for _, b := range candidates {
		if string(b.ID) == decoded.BridgeID {
			return b, nil
		}
	}
	return Bridge{}, fmt.Errorf("oracle chose %q which is not a candidate", decoded.BridgeID)
}

// NewStrategy builds the strategy named by the configuration.
func NewStrategy(config SelectionConfig) Strategy {
	region := NewRegionStrategy(config)
	if config.Strategy == "external" && config.ExternalURL != "" {
		return NewExternalStrategy(config.ExternalURL, config.ExternalTimeout, region)
	}
	return region
}
