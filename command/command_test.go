package command_test

import (
	"testing"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
)

func TestEncodeDecodeClaim(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	cmd := command.New(command.KindClaim, ts)
	cmd.Claim = &command.ClaimPayload{
		SessionID: "worker-a",
		MaxCount:  3,
		Lease:     30 * time.Second,
	}

	data, err := command.Encode(&cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := command.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != command.KindClaim {
		t.Errorf("kind = %q, want %q", got.Kind, command.KindClaim)
	}
	if got.Claim == nil {
		t.Fatal("claim payload missing after round trip")
	}
	if got.Claim.SessionID != "worker-a" || got.Claim.MaxCount != 3 {
		t.Errorf("claim payload mismatch: %+v", got.Claim)
	}
	if got.Claim.Lease != 30*time.Second {
		t.Errorf("lease = %v, want 30s", got.Claim.Lease)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestEncodeOmitsUnsetPayloads(t *testing.T) {
	cmd := command.New(command.KindNoOp, time.Now())

	data, err := command.Encode(&cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := command.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Claim != nil || got.Enqueue != nil || got.LockAcquire != nil {
		t.Errorf("expected nil payloads on noop, got %+v", got)
	}
}

func TestEnqueueCarriesTask(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Millisecond)
	cmd := command.New(command.KindEnqueue, ts)
	cmd.Enqueue = &command.EnqueuePayload{
		Task: muster.Task{
			IdempotencyKey: "job-1",
			Priority:       7,
			State:          muster.TaskPending,
			MaxAttempts:    3,
			PayloadRef:     "s3://bucket/job-1",
		},
	}

	data, err := command.Encode(&cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := command.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	task := got.Enqueue.Task
	if task.IdempotencyKey != "job-1" || task.Priority != 7 {
		t.Errorf("task mismatch: %+v", task)
	}
	if task.State != muster.TaskPending {
		t.Errorf("state = %q, want pending", task.State)
	}
}

func TestChecksum(t *testing.T) {
	cmd := command.New(command.KindLeaseSweep, time.Now())
	cmd.LeaseSweep = &command.LeaseSweepPayload{}

	data, err := command.Encode(&cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	sum := command.Checksum(data)
	if !command.Verify(data, sum) {
		t.Fatal("checksum should verify against unmodified data")
	}

	// Flip one byte; verification must fail.
	corrupted := append([]byte(nil), data...)
	corrupted[len(corrupted)/2] ^= 0xFF
	if command.Verify(corrupted, sum) {
		t.Fatal("checksum should reject corrupted data")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	cmd := command.New(command.KindLockAcquire, time.Now())
	cmd.LockAcquire = &command.LockAcquirePayload{
		Name:  "maintenance",
		Owner: "node-1",
		TTL:   10 * time.Second,
	}

	data, err := command.EncodeJSON(&cmd)
	if err != nil {
		t.Fatalf("encode json: %v", err)
	}
	got, err := command.DecodeJSON(data)
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if got.LockAcquire == nil || got.LockAcquire.Name != "maintenance" {
		t.Errorf("lock payload mismatch: %+v", got.LockAcquire)
	}
}
