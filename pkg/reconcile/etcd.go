package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	recordPrefix      = "/groupherd.io/retries/"
	claimPrefix       = "/groupherd.io/claims/"
	fingerprintPrefix = "/groupherd.io/fingerprints/"
)

// EtcdStore is the shared durable backend. Records are JSON values under
// recordPrefix; mutual exclusion between workers rides on claim keys bound
// to etcd leases, so a crashed worker's claim disappears when its lease
// expires server-side.
type EtcdStore struct {
	client  *clientv3.Client
	backoff Backoff
}

func NewEtcdStore(endpoints []string, dialTimeout time.Duration, backoff Backoff) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: cli, backoff: backoff}, nil
}

// NewEtcdStoreFromClient wraps an existing client (shared with leader
// election in the daemon).
func NewEtcdStoreFromClient(client *clientv3.Client, backoff Backoff) *EtcdStore {
	return &EtcdStore{client: client, backoff: backoff}
}

func (s *EtcdStore) Client() *clientv3.Client { return s.client }

func recordKey(id string) string      { return recordPrefix + id }
func claimKey(id string) string       { return claimPrefix + id }
func fingerprintKey(fp uint64) string { return fmt.Sprintf("%s%016x", fingerprintPrefix, fp) }

func (s *EtcdStore) Enqueue(ctx context.Context, record *RetryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal retry record: %w", err)
	}

	fpKey := fingerprintKey(record.Fingerprint)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(fpKey), "=", 0)).
		Then(
			clientv3.OpPut(recordKey(record.ID), string(data)),
			clientv3.OpPut(fpKey, record.ID),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to enqueue retry record: %w", err)
	}

	// An existing fingerprint key means an equivalent retry is already
	// pending; dropping the duplicate keeps enqueue idempotent.
	_ = resp.Succeeded
	return nil
}

func (s *EtcdStore) FetchDue(ctx context.Context, limit int) ([]*RetryRecord, error) {
	resp, err := s.client.Get(ctx, recordPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list retry records: %w", err)
	}

	now := time.Now().UTC()
	var due []*RetryRecord
	for _, kv := range resp.Kvs {
		var r RetryRecord
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			continue
		}
		if r.ClaimExpired(now) {
			r.Status = StatusPending
		}
		if r.Status == StatusPending && !r.NextAttemptAt.After(now) {
			due = append(due, &r)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *EtcdStore) ClaimRecord(ctx context.Context, id, workerID string, lease time.Duration) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	grant, err := s.client.Grant(ctx, int64(lease.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant claim lease: %w", err)
	}

	ck := claimKey(id)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(ck), "=", 0)).
		Then(clientv3.OpPut(ck, workerID, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to claim retry record: %w", err)
	}
	if !resp.Succeeded {
		// The lease may have expired server-side before the revoke lands.
		if _, err := s.client.Revoke(ctx, grant.ID); err != nil && err != rpctypes.ErrLeaseNotFound {
			return fmt.Errorf("failed to revoke claim lease: %w", err)
		}
		return ErrAlreadyClaimed
	}

	return s.update(ctx, id, func(r *RetryRecord) {
		r.Status = StatusClaimed
		r.ClaimedBy = workerID
		r.ClaimExpires = time.Now().UTC().Add(lease)
	})
}

func (s *EtcdStore) IncrementAttempt(ctx context.Context, id, lastError string) error {
	var fp uint64
	var deadLettered bool
	err := s.update(ctx, id, func(r *RetryRecord) {
		r.Attempts++
		r.LastError = lastError
		r.ClaimedBy = ""
		r.ClaimExpires = time.Time{}
		if r.Attempts >= s.backoff.MaxAttempts {
			r.Status = StatusFailedPermanent
			fp = r.Fingerprint
			deadLettered = true
			return
		}
		r.Status = StatusPending
		r.NextAttemptAt = time.Now().UTC().Add(s.backoff.Delay(r.Attempts))
	})
	if err != nil {
		return err
	}

	// A dead-lettered record is terminal and must stop blocking equivalent
	// failures from being enqueued, same as finish.
	if deadLettered {
		if _, err := s.client.Delete(ctx, fingerprintKey(fp)); err != nil {
			return fmt.Errorf("failed to drop fingerprint index: %w", err)
		}
	}
	return s.releaseClaim(ctx, id)
}

func (s *EtcdStore) MarkSuccess(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusSucceeded, "")
}

func (s *EtcdStore) MarkPermanentFailure(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, StatusFailedPermanent, reason)
}

func (s *EtcdStore) finish(ctx context.Context, id string, status RecordStatus, lastError string) error {
	var fp uint64
	err := s.update(ctx, id, func(r *RetryRecord) {
		r.Status = status
		r.ClaimedBy = ""
		r.ClaimExpires = time.Time{}
		if lastError != "" {
			r.LastError = lastError
		}
		fp = r.Fingerprint
	})
	if err != nil {
		return err
	}

	// Terminal records no longer block equivalent retries from being
	// enqueued.
	if _, err := s.client.Delete(ctx, fingerprintKey(fp)); err != nil {
		return fmt.Errorf("failed to drop fingerprint index: %w", err)
	}
	return s.releaseClaim(ctx, id)
}

func (s *EtcdStore) Requeue(ctx context.Context, id string) error {
	var rec *RetryRecord
	err := s.update(ctx, id, func(r *RetryRecord) {
		r.Status = StatusPending
		r.Attempts = 0
		r.NextAttemptAt = time.Now().UTC()
		r.ClaimedBy = ""
		r.ClaimExpires = time.Time{}
		rec = r
	})
	if err != nil {
		return err
	}

	data := []byte(rec.ID)
	if _, err := s.client.Put(ctx, fingerprintKey(rec.Fingerprint), string(data)); err != nil {
		return fmt.Errorf("failed to restore fingerprint index: %w", err)
	}
	return s.releaseClaim(ctx, id)
}

func (s *EtcdStore) releaseClaim(ctx context.Context, id string) error {
	if _, err := s.client.Delete(ctx, claimKey(id)); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// update applies fn to the record under a mod-revision compare so two
// concurrent mutations cannot silently overwrite each other.
func (s *EtcdStore) update(ctx context.Context, id string, fn func(*RetryRecord)) error {
	key := recordKey(id)

	for attempt := 0; attempt < 3; attempt++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to get retry record: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return ErrNotFound
		}

		kv := resp.Kvs[0]
		var r RetryRecord
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return fmt.Errorf("failed to unmarshal retry record: %w", err)
		}

		fn(&r)

		data, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("failed to marshal retry record: %w", err)
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to update retry record: %w", err)
		}
		if txn.Succeeded {
			return nil
		}
	}

	return fmt.Errorf("retry record %s: too many concurrent updates", id)
}

func (s *EtcdStore) Get(ctx context.Context, id string) (*RetryRecord, error) {
	resp, err := s.client.Get(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get retry record: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var r RetryRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal retry record: %w", err)
	}
	return &r, nil
}

func (s *EtcdStore) List(ctx context.Context, status RecordStatus, limit int) ([]*RetryRecord, error) {
	resp, err := s.client.Get(ctx, recordPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list retry records: %w", err)
	}

	var out []*RetryRecord
	for _, kv := range resp.Kvs {
		var r RetryRecord
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, &r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
