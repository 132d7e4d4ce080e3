package keyword_test

import (
	"context"
	"testing"

	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/classifier/keyword"
)

func TestClassify(t *testing.T) {
	cls := keyword.New()
	ctx := context.Background()

	tests := []struct {
		name       string
		text       string
		wantDomain memory.Domain
	}{
		{
			name:       "lbo phrasing",
			text:       "Walk me through a leveraged buyout with a 5x entry multiple and sponsor equity.",
			wantDomain: memory.DomainLBO,
		},
		{
			name:       "m&a phrasing",
			text:       "Is this acquisition accretive after synergies and purchase price allocation?",
			wantDomain: memory.DomainMA,
		},
		{
			name:       "debt phrasing",
			text:       "Build the debt schedule: term loan amortization and the revolver draw.",
			wantDomain: memory.DomainDebt,
		},
		{
			name:       "lending phrasing",
			text:       "How does direct lending via a unitranche compare on loan to value?",
			wantDomain: memory.DomainLending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := cls.Classify(ctx, tt.text)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if res.Domain != tt.wantDomain {
				t.Errorf("domain: got %q, want %q", res.Domain, tt.wantDomain)
			}
			if res.Confidence <= 0 || res.Confidence > 1 {
				t.Errorf("confidence out of range: %v", res.Confidence)
			}
		})
	}
}

func TestClassify_NoSignal(t *testing.T) {
	cls := keyword.New()

	res, err := cls.Classify(context.Background(), "what should I have for lunch today")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Domain != memory.DomainGeneral {
		t.Errorf("domain: got %q, want general", res.Domain)
	}
	if res.Confidence != 0 {
		t.Errorf("confidence: got %v, want 0", res.Confidence)
	}
}

func TestClassify_MixedSignalLowersConfidence(t *testing.T) {
	cls := keyword.New()
	ctx := context.Background()

	pure, err := cls.Classify(ctx, "leveraged buyout lbo sponsor moic irr")
	if err != nil {
		t.Fatalf("Classify pure: %v", err)
	}
	mixed, err := cls.Classify(ctx, "leveraged buyout with merger synergies and a term loan covenant")
	if err != nil {
		t.Fatalf("Classify mixed: %v", err)
	}

	if pure.Confidence <= mixed.Confidence {
		t.Errorf("expected pure-domain text to score higher confidence: pure=%v mixed=%v",
			pure.Confidence, mixed.Confidence)
	}
}

func TestClassify_TokenBoundaries(t *testing.T) {
	cls := keyword.New()

	// "ma" must not match inside "market"; single-word terms match whole
	// tokens only.
	res, err := cls.Classify(context.Background(), "the market moved today")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Domain != memory.DomainGeneral {
		t.Errorf("domain: got %q, want general", res.Domain)
	}
}

func TestModelID(t *testing.T) {
	if got := keyword.New().ModelID(); got == "" {
		t.Error("expected a non-empty model id")
	}
}
