package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run status values reported by the tracking server.
const (
	RunStatusRunning  = "RUNNING"
	RunStatusFinished = "FINISHED"
	RunStatusFailed   = "FAILED"
	RunStatusKilled   = "KILLED"
)

type Experiment struct {
	ID               string `json:"experimentId"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifactLocation,omitempty"`
	LifecycleStage   string `json:"lifecycleStage,omitempty"`
}

// Run is one completed training attempt. It is read-only to this module.
type Run struct {
	RunID        string             `json:"runId"`
	RunName      string             `json:"runName"`
	ExperimentID string             `json:"experimentId"`
	Status       string             `json:"status"`
	Metrics      map[string]float64 `json:"metrics"`
	Params       map[string]string  `json:"params,omitempty"`
	ArtifactURI  string             `json:"artifactUri"`
}

func (r Run) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// DisplayName is the name a run is registered under. Unnamed runs use their id.
func (r Run) DisplayName() string {
	if r.RunName != "" {
		return r.RunName
	}
	return r.RunID
}

type ModelSelection struct {
	Champion   Run `json:"champion"`
	Challenger Run `json:"challenger"`
}

// SelfPaired reports the single-run case where champion and challenger coincide.
func (s ModelSelection) SelfPaired() bool {
	return s.Champion.RunID == s.Challenger.RunID
}

type Alias string

const (
	AliasChampion   Alias = "champion"
	AliasChallenger Alias = "challenger"
)

// RegisteredAlias binds a registered model alias to one version.
type RegisteredAlias struct {
	ModelName string `json:"modelName"`
	Alias     Alias  `json:"alias"`
	Version   int    `json:"version"`
	RunID     string `json:"runId"`
}

type ModelVersion struct {
	Name    string   `json:"name"`
	Version int      `json:"version"`
	RunID   string   `json:"runId"`
	Source  string   `json:"source"`
	Status  string   `json:"status,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// PromotionEvent is the persisted outcome of one select/promote/publish pass.
type PromotionEvent struct {
	ID               uuid.UUID       `json:"id"`
	Experiment       string          `json:"experiment"`
	Metric           string          `json:"metric"`
	ChampionRunID    string          `json:"championRunId"`
	ChampionMetric   float64         `json:"championMetric"`
	ChallengerRunID  string          `json:"challengerRunId"`
	ChallengerMetric float64         `json:"challengerMetric"`
	ChampionURI      string          `json:"championUri"`
	ChallengerURI    string          `json:"challengerUri"`
	Warnings         json.RawMessage `json:"warnings"`
	Published        bool            `json:"published"`
	CreatedAt        time.Time       `json:"createdAt"`
}
