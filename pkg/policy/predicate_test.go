package policy

import (
	"context"
	"testing"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
)

const adminPolicy = `package chain

default allow := false

allow if {
	input.status == 200
	input.body.role == "admin"
}

label := "not a bool"
`

var _ runtime.Predicate = (*Predicate)(nil)

func TestPredicateEvaluatesResponseView(t *testing.T) {
	ctx := context.Background()
	pred, err := Compile(ctx, "chain/allow", adminPolicy)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	admin := domain.ResponseEnvelope{Status: 200, Body: map[string]any{"role": "admin"}}
	ok, err := pred.Evaluate(ctx, admin)
	if err != nil || !ok {
		t.Fatalf("expected admin response to pass, got %v (%v)", ok, err)
	}

	guest := domain.ResponseEnvelope{Status: 200, Body: map[string]any{"role": "guest"}}
	ok, err = pred.Evaluate(ctx, guest)
	if err != nil || ok {
		t.Fatalf("expected guest response to fail, got %v (%v)", ok, err)
	}
}

func TestPredicateUndefinedIsFalse(t *testing.T) {
	ctx := context.Background()
	pred, err := Compile(ctx, "chain/missing", adminPolicy)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := pred.Evaluate(ctx, nil)
	if err != nil || ok {
		t.Fatalf("expected undefined decision to be false, got %v (%v)", ok, err)
	}
}

func TestPredicateRejectsNonBoolean(t *testing.T) {
	ctx := context.Background()
	pred, err := Compile(ctx, "chain/label", adminPolicy)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := pred.Evaluate(ctx, domain.ResponseEnvelope{Status: 200}); err == nil {
		t.Fatalf("expected non-boolean decision to fail")
	}
}

func TestPredicateConstructionErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewPredicate(ctx, Options{}); err == nil {
		t.Fatalf("expected error without modules")
	}
	if _, err := Compile(ctx, "", "package chain\nallow if {"); err == nil {
		t.Fatalf("expected parse error")
	}
	pred, err := Compile(ctx, "", "package chain\nallow := true\n")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if pred.Entrypoint() != "chain/allow" {
		t.Fatalf("expected default entrypoint, got %s", pred.Entrypoint())
	}
}
