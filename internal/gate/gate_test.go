package gate

import "testing"

func TestCheckPassesOnStrongAsymmetry(t *testing.T) {
	// entry=100, stop=98 (loss ~2%), target=110 (gain ~10%): heavily
	// asymmetric in favor of the gain side.
	pass, logLoss, logGain := Check(100, 98, 110, 1, 1, 1)
	if !pass {
		t.Fatalf("expected pass, logLoss=%v logGain=%v", logLoss, logGain)
	}
	if logLoss >= 0 {
		t.Fatalf("logLoss should be negative, got %v", logLoss)
	}
	if logGain <= 0 {
		t.Fatalf("logGain should be positive, got %v", logGain)
	}
}

func TestCheckFailsWhenLambdaDemandsMoreEdge(t *testing.T) {
	pass, _, _ := Check(100, 98, 102, 1, 1, 5)
	if pass {
		t.Fatal("expected fail when lambda inflates the required edge")
	}
}

func TestCheckRejectsNonPositiveGain(t *testing.T) {
	// target below entry: logGain <= 0 must always fail regardless of lambda.
	pass, _, _ := Check(100, 98, 99, 1, 1, 0.01)
	if pass {
		t.Fatal("expected fail when target is not above entry")
	}
}

func TestCheckRejectsNonNegativeLoss(t *testing.T) {
	// stop above entry: logLoss >= 0 must always fail.
	pass, _, _ := Check(100, 101, 110, 1, 1, 0.01)
	if pass {
		t.Fatal("expected fail when stop is not below entry")
	}
}
