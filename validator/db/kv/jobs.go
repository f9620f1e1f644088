package kv

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

// OrganicJob is the audit record of a facilitator-submitted job.
type OrganicJob struct {
	UUID           string    `json:"uuid"`
	MinerHotkey    string    `json:"miner_hotkey"`
	ExecutorClass  string    `json:"executor_class"`
	Block          int64     `json:"block"`
	Status         string    `json:"status"`
	Comment        string    `json:"comment"`
	Stdout         string    `json:"stdout"`
	Stderr         string    `json:"stderr"`
	ArtifactsDir   string    `json:"artifacts_dir,omitempty"`
	Cheated        bool      `json:"cheated"`
	OnTrustedMiner bool      `json:"on_trusted_miner"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SaveOrganicJob upserts a job audit record.
func (s *Store) SaveOrganicJob(ctx context.Context, j *OrganicJob) error {
	_, span := trace.StartSpan(ctx, "ValidatorDB.SaveOrganicJob")
	defer span.End()
	j.UpdatedAt = time.Now().UTC()
	enc, err := encode(j)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(organicJobsBucket).Put([]byte(j.UUID), enc)
	})
}

// OrganicJob returns the audit record for a job uuid, or nil if unknown.
func (s *Store) OrganicJob(ctx context.Context, uuid string) (*OrganicJob, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.OrganicJob")
	defer span.End()
	var j *OrganicJob
	err := s.view(func(tx *bolt.Tx) error {
		enc := tx.Bucket(organicJobsBucket).Get([]byte(uuid))
		if enc == nil {
			return nil
		}
		j = &OrganicJob{}
		return decode(enc, j)
	})
	return j, err
}

// OrganicJobs returns every stored job record. Intended for the ops API;
// the job count is bounded by facilitator volume, not miner count.
func (s *Store) OrganicJobs(ctx context.Context) ([]*OrganicJob, error) {
	_, span := trace.StartSpan(ctx, "ValidatorDB.OrganicJobs")
	defer span.End()
	var out []*OrganicJob
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(organicJobsBucket).ForEach(func(_, v []byte) error {
			j := &OrganicJob{}
			if err := decode(v, j); err != nil {
				return err
			}
			out = append(out, j)
			return nil
		})
	})
	return out, err
}
