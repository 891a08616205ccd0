package fuzztriage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/fuzztriage/fuzztriage"
)

const sigX = `{"symptoms":[{"type":"output","src":"stderr","value":"/^X$/"}]}`

func TestOpenMemory(t *testing.T) {
	ctx := context.Background()
	client, err := fuzztriage.Open(ctx, fuzztriage.DatabaseSettings{Backend: fuzztriage.BackendMemory})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer client.Close()

	c1, err := client.Submit(ctx, &fuzztriage.Submission{Tool: "afl", Stderr: "X"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := client.Submit(ctx, &fuzztriage.Submission{Tool: "afl", Stderr: "Y"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	b := &fuzztriage.Bucket{Signature: sigX, ShortDescription: "X"}
	if err := client.CreateBucket(ctx, b); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}

	res, err := client.Reassign(ctx, b.ID, fuzztriage.ReassignOptions{Apply: true})
	if err != nil {
		t.Fatalf("Reassign failed: %v", err)
	}
	if res.InCount != 1 || len(res.In) != 1 || res.In[0] != c1.ID {
		t.Errorf("expected only crash %d assigned, got %+v", c1.ID, res.In)
	}

	stats, err := client.Store().ListStatistics(ctx, &b.ID)
	if err != nil {
		t.Fatalf("ListStatistics failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Size != 1 {
		t.Errorf("expected one statistics row of size 1, got %+v", stats)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := fuzztriage.Open(context.Background(), fuzztriage.DatabaseSettings{Backend: "sqlite"})
	if err == nil || !strings.Contains(err.Error(), "unknown storage backend") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestParseSignature(t *testing.T) {
	if _, err := fuzztriage.ParseSignature(sigX); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if _, err := fuzztriage.ParseSignature(`{"symptoms":[]}`); err == nil {
		t.Error("signature without symptoms accepted")
	}
}
